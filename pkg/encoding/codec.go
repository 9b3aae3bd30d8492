package encoding

import (
	"fmt"
	"strings"

	"nulldb/pkg/dberrors"
)

// Kind selects one of the record encodings.
type Kind string

const (
	KindJSON  Kind = "json"
	KindXML   Kind = "xml"
	KindProto Kind = "proto"
)

// Codec turns a Record into a single line and back. Encoded output never
// contains a newline byte.
type Codec interface {
	Kind() Kind
	Encode(r Record) ([]byte, error)
	Decode(line []byte) (Record, error)
}

// New returns the codec for kind. Accepts a few aliases used in configs.
func New(kind Kind) (Codec, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case KindJSON, "plain", "":
		return JSONCodec{}, nil
	case KindXML, "html", "markup":
		return XMLCodec{}, nil
	case KindProto, "binary", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q: %w", kind, dberrors.ErrInvalidArgument)
	}
}

// MustNew is New for codec kinds known at compile time.
func MustNew(kind Kind) Codec {
	c, err := New(kind)
	if err != nil {
		panic(err)
	}
	return c
}

func corrupted(kind Kind, err error) error {
	return dberrors.Corrupted("decode %s record: %v", kind, err)
}
