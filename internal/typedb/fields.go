package typedb

import "github.com/jabolina/tnlgo/internal/bitstream"

// These constructors play the role the original engine gives raw memory
// offsets plus a field-kind table: the caller supplies typed accessor
// closures instead of an offset, and this package supplies the
// read/write/compare triple keyed to the field's wire kind.

// UintField declares an unsigned integer field packed into exactly bits
// bits.
func UintField(name string, stateBit uint8, initial bool, bits int, get func(interface{}) uint32, set func(interface{}, uint32)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteUnsigned(get(obj), bits) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadUnsigned(bits)
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// IntField declares a two's-complement signed integer field packed into
// exactly bits bits.
func IntField(name string, stateBit uint8, initial bool, bits int, get func(interface{}) int32, set func(interface{}, int32)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteSigned(get(obj), bits) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadSigned(bits)
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// RangedIntField declares an integer known to lie in [lo, hi], packed
// into ceil(log2(hi-lo+1)) bits.
func RangedIntField(name string, stateBit uint8, initial bool, lo, hi int32, get func(interface{}) int32, set func(interface{}, int32)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteRangedInt(get(obj), lo, hi) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadRangedInt(lo, hi)
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// FloatNField declares a float in [0,1] compressed to bits bits.
func FloatNField(name string, stateBit uint8, initial bool, bits int, get func(interface{}) float32, set func(interface{}, float32)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteFloatN(get(obj), bits) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadFloatN(bits)
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// BoolField declares a single-bit boolean field.
func BoolField(name string, stateBit uint8, initial bool, get func(interface{}) bool, set func(interface{}, bool)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteBool(get(obj)) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadBool()
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// BytesField declares a length-prefixed byte slice field.
func BytesField(name string, stateBit uint8, initial bool, get func(interface{}) []byte, set func(interface{}, []byte)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteBytes(get(obj)) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadBytes()
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool {
			av, bv := get(a), get(b)
			if len(av) != len(bv) {
				return true
			}
			for i := range av {
				if av[i] != bv[i] {
					return true
				}
			}
			return false
		},
	}
}

// StringField declares a length-prefixed string field.
func StringField(name string, stateBit uint8, initial bool, get func(interface{}) string, set func(interface{}, string)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) { w.WriteString(get(obj)) },
		Read: func(obj interface{}, r *bitstream.Reader) error {
			v, err := r.ReadString()
			if err != nil {
				return err
			}
			set(obj, v)
			return nil
		},
		Compare: func(a, b interface{}) bool { return get(a) != get(b) },
	}
}

// PointField declares a compressed 2D position/velocity pair over
// [-bound, bound] per axis, using bitsPerComponent bits per axis, a
// generalization of the original engine's move/point compression.
func PointField(name string, stateBit uint8, initial bool, bound float32, bitsPerComponent int, get func(interface{}) (x, y float32), set func(interface{}, float32, float32)) Field {
	return Field{
		Name: name, StateBit: stateBit, Initial: initial,
		Write: func(obj interface{}, w *bitstream.Writer) {
			x, y := get(obj)
			w.WritePoint(x, y, bound, bitsPerComponent)
		},
		Read: func(obj interface{}, r *bitstream.Reader) error {
			x, y, err := r.ReadPoint(bound, bitsPerComponent)
			if err != nil {
				return err
			}
			set(obj, x, y)
			return nil
		},
		Compare: func(a, b interface{}) bool {
			ax, ay := get(a)
			bx, by := get(b)
			return ax != bx || ay != by
		},
	}
}
