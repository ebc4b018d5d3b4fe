package telemetry

import (
	"encoding/json"
	"fmt"

	control "procctl-core/closed_loop/process_control"
)

// wireTag is the JSON form of a tag value shared by the HTTP API and the
// key/value store.
type wireTag struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func encodeTag(v control.TagValue) ([]byte, error) {
	var raw []byte
	var err error
	switch v.Kind {
	case control.KindFloat:
		raw, err = json.Marshal(v.Float)
	case control.KindBool:
		raw, err = json.Marshal(v.Bool)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrTagType, v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireTag{Type: v.Kind.String(), Value: raw})
}

func decodeTag(data []byte) (control.TagValue, error) {
	var w wireTag
	if err := json.Unmarshal(data, &w); err != nil {
		return control.TagValue{}, fmt.Errorf("decode tag: %w", err)
	}
	kind, err := parseKind(w.Type)
	if err != nil {
		return control.TagValue{}, err
	}
	return decodeValue(kind, w.Value)
}

func parseKind(s string) (control.TagKind, error) {
	switch s {
	case "float":
		return control.KindFloat, nil
	case "bool":
		return control.KindBool, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrTagType, s)
	}
}

// decodeValue parses a bare JSON value as the given kind.
func decodeValue(kind control.TagKind, raw json.RawMessage) (control.TagValue, error) {
	switch kind {
	case control.KindFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return control.TagValue{}, fmt.Errorf("%w: want number: %v", ErrTagType, err)
		}
		return control.FloatTag(f), nil
	case control.KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return control.TagValue{}, fmt.Errorf("%w: want boolean: %v", ErrTagType, err)
		}
		return control.BoolTag(b), nil
	default:
		return control.TagValue{}, fmt.Errorf("%w: unknown kind %s", ErrTagType, kind)
	}
}
