package od

import "fmt"

// Variable is an immutable descriptor of a dictionary slot
// (spec.md §3). Only its descriptor is immutable; the value stored
// under it may change over the node's lifetime.
type Variable struct {
	Name     string
	Datatype Datatype
	Access   Access
	// Default is the value read back before any write ever occurs.
	// nil means the datatype's zero value (0 for numeric, empty bytes
	// for string/domain).
	Default any
	// Factor scales numeric values on pack/unpack; 0 means 1.
	Factor float64
	// Min/Max bound numeric values; nil means unbounded. Only valid
	// on numeric datatypes.
	Min, Max any
}

// NewVariable validates and constructs a Variable, mirroring durand's
// Variable.__post_init__ checks (spec.md §3: "min/max only permitted
// on numeric datatypes").
func NewVariable(name string, dt Datatype, access Access, def any, factor float64, min, max any) (*Variable, error) {
	if !dt.IsNumeric() && (min != nil || max != nil) {
		return nil, fmt.Errorf("od: min/max not available with datatype %s", dt)
	}
	if factor == 0 {
		factor = 1
	}
	return &Variable{
		Name:     name,
		Datatype: dt,
		Access:   access,
		Default:  def,
		Factor:   factor,
		Min:      min,
		Max:      max,
	}, nil
}

// ZeroValue returns the datatype's empty/zero value.
func (v *Variable) ZeroValue() any {
	if v.Datatype.IsNumeric() {
		if v.Datatype.IsFloat() {
			return float64(0)
		}
		return float64(0)
	}
	return []byte{}
}

// InRange reports whether value respects Min/Max, when both the
// variable and value are numeric. Non-numeric datatypes and variables
// without bounds are always in range.
func (v *Variable) InRange(value any) bool {
	if !v.Datatype.IsNumeric() {
		return true
	}
	f, err := toFloat64Any(value)
	if err != nil {
		return true
	}
	if v.Min != nil {
		if min, err := toFloat64Any(v.Min); err == nil && f < min {
			return false
		}
	}
	if v.Max != nil {
		if max, err := toFloat64Any(v.Max); err == nil && f > max {
			return false
		}
	}
	return true
}

func toFloat64Any(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not numeric")
	}
}
