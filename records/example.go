package records

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Feature names used by object detection records.
const (
	FieldImageEncoded = "image/encoded"
	FieldFilename     = "image/filename"
	FieldSourceID     = "image/source_id"

	FieldDetectionScore = "image/detection/score"
	FieldDetectionYMin  = "image/detection/bbox/ymin"
	FieldDetectionXMin  = "image/detection/bbox/xmin"
	FieldDetectionYMax  = "image/detection/bbox/ymax"
	FieldDetectionXMax  = "image/detection/bbox/xmax"
	FieldDetectionLabel = "image/detection/label"
)

var ErrMalformedExample = errors.New("malformed example")

type Kind int

const (
	KindNone Kind = iota
	KindBytes
	KindFloat
	KindInt64
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes_list"
	case KindFloat:
		return "float_list"
	case KindInt64:
		return "int64_list"
	default:
		return "none"
	}
}

// Feature is one value list of a tf.train.Example. Only the slice matching
// Kind is meaningful.
type Feature struct {
	Kind   Kind
	Bytes  [][]byte
	Floats []float32
	Int64s []int64
}

func BytesFeature(values ...[]byte) *Feature {
	return &Feature{Kind: KindBytes, Bytes: values}
}

func FloatFeature(values ...float32) *Feature {
	return &Feature{Kind: KindFloat, Floats: values}
}

func Int64Feature(values ...int64) *Feature {
	return &Feature{Kind: KindInt64, Int64s: values}
}

// Example is a decoded tf.train.Example: a mapping of feature name to value list.
type Example struct {
	Features map[string]*Feature
}

func NewExample() *Example {
	return &Example{Features: make(map[string]*Feature)}
}

func (e *Example) Get(name string) (*Feature, bool) {
	f, ok := e.Features[name]
	return f, ok
}

func (e *Example) Set(name string, f *Feature) {
	if e.Features == nil {
		e.Features = make(map[string]*Feature)
	}
	e.Features[name] = f
}

func (e *Example) Delete(name string) {
	delete(e.Features, name)
}

// FirstBytes returns the first value of a bytes feature.
func (e *Example) FirstBytes(name string) ([]byte, bool) {
	f, ok := e.Features[name]
	if !ok || f.Kind != KindBytes || len(f.Bytes) == 0 {
		return nil, false
	}
	return f.Bytes[0], true
}

// Protobuf field numbers of tf.train.{Example,Features,Feature,*List}.
const (
	exampleFeatures protowire.Number = 1

	featuresEntry protowire.Number = 1
	entryKey      protowire.Number = 1
	entryValue    protowire.Number = 2

	featureBytes protowire.Number = 1
	featureFloat protowire.Number = 2
	featureInt64 protowire.Number = 3

	listValue protowire.Number = 1
)

// Marshal encodes the example. Features are written in name order so the
// output is deterministic.
func (e *Example) Marshal() []byte {
	names := make([]string, 0, len(e.Features))
	for name := range e.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var features []byte
	for _, name := range names {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(e.Features[name]))

		features = protowire.AppendTag(features, featuresEntry, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

func marshalFeature(f *Feature) []byte {
	if f == nil {
		return nil
	}

	var list []byte
	var num protowire.Number
	switch f.Kind {
	case KindBytes:
		num = featureBytes
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	case KindFloat:
		num = featureFloat
		if len(f.Floats) > 0 {
			packed := make([]byte, 0, len(f.Floats)*4)
			for _, v := range f.Floats {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	case KindInt64:
		num = featureInt64
		if len(f.Int64s) > 0 {
			var packed []byte
			for _, v := range f.Int64s {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	default:
		return nil
	}

	var out []byte
	out = protowire.AppendTag(out, num, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}

// UnmarshalExample decodes a serialized tf.train.Example. Unknown fields are
// skipped.
func UnmarshalExample(b []byte) (*Example, error) {
	ex := NewExample()
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return walkFields(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresEntry || typ != protowire.BytesType {
				return nil
			}
			name, feature, err := unmarshalEntry(entry)
			if err != nil {
				return err
			}
			ex.Features[name] = feature
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func unmarshalEntry(b []byte) (string, *Feature, error) {
	var name string
	feature := &Feature{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case entryKey:
			name = string(v)
		case entryValue:
			f, err := unmarshalFeature(v)
			if err != nil {
				return fmt.Errorf("feature value: %w", err)
			}
			feature = f
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return name, feature, nil
}

func unmarshalFeature(b []byte) (*Feature, error) {
	f := &Feature{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case featureBytes:
			*f = Feature{Kind: KindBytes, Bytes: [][]byte{}}
			return walkFields(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == listValue && typ == protowire.BytesType {
					f.Bytes = append(f.Bytes, append([]byte(nil), v...))
				}
				return nil
			})
		case featureFloat:
			*f = Feature{Kind: KindFloat, Floats: []float32{}}
			return walkValues(list, protowire.Fixed32Type, func(typ protowire.Type, raw []byte) (int, error) {
				switch typ {
				case protowire.Fixed32Type:
					v, n := protowire.ConsumeFixed32(raw)
					if n < 0 {
						return 0, protowire.ParseError(n)
					}
					f.Floats = append(f.Floats, math.Float32frombits(v))
					return n, nil
				}
				return 0, fmt.Errorf("%w: float value with wire type %d", ErrMalformedExample, typ)
			})
		case featureInt64:
			*f = Feature{Kind: KindInt64, Int64s: []int64{}}
			return walkValues(list, protowire.VarintType, func(typ protowire.Type, raw []byte) (int, error) {
				switch typ {
				case protowire.VarintType:
					v, n := protowire.ConsumeVarint(raw)
					if n < 0 {
						return 0, protowire.ParseError(n)
					}
					f.Int64s = append(f.Int64s, int64(v))
					return n, nil
				}
				return 0, fmt.Errorf("%w: int64 value with wire type %d", ErrMalformedExample, typ)
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// walkFields calls fn for every field of a message. For length-delimited
// fields v is the payload; for other wire types v is the raw encoded value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedExample, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedExample, protowire.ParseError(m))
			}
			v, n = payload, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedExample, protowire.ParseError(n))
			}
			v = b[:n]
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// walkValues visits the scalar values of a repeated numeric list field,
// accepting both packed and unpacked encodings.
func walkValues(list []byte, elemType protowire.Type, consume func(typ protowire.Type, raw []byte) (int, error)) error {
	return walkFields(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != listValue {
			return nil
		}
		if typ != protowire.BytesType {
			_, err := consume(typ, v)
			return err
		}
		for len(v) > 0 {
			n, err := consume(elemType, v)
			if err != nil {
				return err
			}
			v = v[n:]
		}
		return nil
	})
}
