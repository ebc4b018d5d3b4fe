package control

import (
	"context"
	"fmt"
)

// FieldIO is the register-oriented side of the process: sensors are read
// and actuators written by address. Implementations bound each call with
// their own timeout.
type FieldIO interface {
	ReadScalar(ctx context.Context, address uint16) (float64, error)
	WriteScalar(ctx context.Context, address uint16, value float64) error
}

// Telemetry is the tag-oriented supervisory side: the setpoint is read from
// it and the loop state is mirrored to it.
type Telemetry interface {
	ReadTag(ctx context.Context, name string) (TagValue, error)
	WriteTag(ctx context.Context, name string, v TagValue) error
}

// TagKind is the type of a telemetry tag.
type TagKind int

const (
	KindFloat TagKind = iota
	KindBool
)

func (k TagKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("TagKind(%d)", int(k))
	}
}

// TagValue is a typed tag value.
type TagValue struct {
	Kind  TagKind
	Float float64
	Bool  bool
}

// FloatTag wraps v as a float tag value.
func FloatTag(v float64) TagValue { return TagValue{Kind: KindFloat, Float: v} }

// BoolTag wraps v as a bool tag value.
func BoolTag(v bool) TagValue { return TagValue{Kind: KindBool, Bool: v} }

func (v TagValue) String() string {
	if v.Kind == KindBool {
		return fmt.Sprintf("%t", v.Bool)
	}
	return formatFloat(v.Float)
}
