package sealed

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ciphertext is the stored form of a sealed record. Only the cluster holding
// the master secret can open it.
type Ciphertext struct {
	KeyID string `json:"key_id"`
	Nonce Nonce  `json:"nonce"`
	Data  []byte `json:"data"`
}

// Empty reports whether no record has been sealed yet.
func (c Ciphertext) Empty() bool {
	return len(c.Data) == 0
}

// Wire field numbers of the binary layout.
const (
	fieldKeyID protowire.Number = 1
	fieldNonce protowire.Number = 2
	fieldData  protowire.Number = 3
)

// MarshalBinary encodes c in protobuf wire format.
func (c Ciphertext) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldKeyID, protowire.BytesType)
	b = protowire.AppendString(b, c.KeyID)
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Nonce[:])
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)
	return b, nil
}

// UnmarshalBinary decodes the layout written by MarshalBinary. Unknown fields
// are skipped.
func (c *Ciphertext) UnmarshalBinary(b []byte) error {
	var out Ciphertext
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: ciphertext tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: ciphertext field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: ciphertext field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldKeyID:
			out.KeyID = string(v)
		case fieldNonce:
			if len(v) != NonceSize {
				return fmt.Errorf("%w: nonce length %d", ErrMalformed, len(v))
			}
			copy(out.Nonce[:], v)
		case fieldData:
			out.Data = append([]byte(nil), v...)
		}
	}
	*c = out
	return nil
}
