package core

import "encoding/json"

// DecodeInto re-marshals a value loaded from a StateStore (typically a
// []any or map[string]any produced by JSON decoding) into a concrete
// target type. Restore paths use it to rebuild typed collections from
// namespace snapshots.
func DecodeInto(v any, target any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
