package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded protobuf field. Varint fields fill Uint, length
// delimited fields fill Bytes.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// DecodeFields walks body and calls fn for each varint or bytes field.
// Fields of other wire types are skipped.
func DecodeFields(body []byte, fn func(Field) error) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return ErrMalformed
		}
		body = body[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return ErrMalformed
			}
			f.Uint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return ErrMalformed
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return ErrMalformed
			}
			body = body[m:]
			continue
		}
		body = body[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
