package encoding

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the record message:
//
//	message Record {
//	  string key = 1;
//	  uint64 index = 2;
//	  bool tombstone = 3;
//	  optional string value = 4;
//	}
const (
	fieldKey       protowire.Number = 1
	fieldIndex     protowire.Number = 2
	fieldTombstone protowire.Number = 3
	fieldValue     protowire.Number = 4
)

var errTruncated = errors.New("truncated message")

// ProtoCodec writes records in protobuf wire format, base64 encoded so that a
// record always fits on one line.
type ProtoCodec struct{}

func (ProtoCodec) Kind() Kind { return KindProto }

func (ProtoCodec) Encode(r Record) ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldKey, protowire.BytesType)
	msg = protowire.AppendString(msg, r.key)
	msg = protowire.AppendTag(msg, fieldIndex, protowire.VarintType)
	msg = protowire.AppendVarint(msg, r.index)
	if r.tombstone {
		msg = protowire.AppendTag(msg, fieldTombstone, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
	} else {
		msg = protowire.AppendTag(msg, fieldValue, protowire.BytesType)
		msg = protowire.AppendString(msg, r.value)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = base64.StdEncoding.AppendEncode(buf.B, msg)
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

func (ProtoCodec) Decode(line []byte) (Record, error) {
	msg, err := base64.StdEncoding.AppendDecode(nil, line)
	if err != nil {
		return Record{}, corrupted(KindProto, err)
	}

	var (
		r        Record
		hasValue bool
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return Record{}, corrupted(KindProto, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(msg)
			if m < 0 {
				return Record{}, corrupted(KindProto, errTruncated)
			}
			r.key, n = v, m
		case num == fieldIndex && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return Record{}, corrupted(KindProto, errTruncated)
			}
			r.index, n = v, m
		case num == fieldTombstone && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return Record{}, corrupted(KindProto, errTruncated)
			}
			r.tombstone, n = protowire.DecodeBool(v), m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(msg)
			if m < 0 {
				return Record{}, corrupted(KindProto, errTruncated)
			}
			r.value, hasValue, n = v, true, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return Record{}, corrupted(KindProto, fmt.Errorf("field %d: %w", num, protowire.ParseError(n)))
			}
		}
		msg = msg[n:]
	}

	if r.tombstone {
		return NewTombstone(r.key, r.index), nil
	}
	if !hasValue {
		return Record{}, corrupted(KindProto, errors.New("record without value or tombstone"))
	}
	return r, nil
}
