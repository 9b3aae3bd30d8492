package encoding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
)

// jsonRecord.Encoding is "base64" when key and value are stored base64
// encoded.
type jsonRecord struct {
	Key       string  `json:"key"`
	Index     uint64  `json:"index"`
	Tombstone bool    `json:"tombstone,omitempty"`
	Encoding  string  `json:"enc,omitempty"`
	Value     *string `json:"value,omitempty"`
}

// JSONCodec writes records as single-line JSON objects.
type JSONCodec struct{}

func (JSONCodec) Kind() Kind { return KindJSON }

func (JSONCodec) Encode(r Record) ([]byte, error) {
	jr := jsonRecord{Key: r.key, Index: r.index, Tombstone: r.tombstone}
	if !r.tombstone {
		v := r.value
		jr.Value = &v
	}
	// encoding/json replaces invalid UTF-8 with U+FFFD.
	if !utf8.ValidString(r.key) || !utf8.ValidString(r.value) {
		jr.Encoding = base64Tag
		jr.Key = toBase64(r.key)
		if jr.Value != nil {
			v := toBase64(*jr.Value)
			jr.Value = &v
		}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jr); err != nil {
		return nil, err
	}
	// Encoder terminates every value with '\n'.
	return bytes.Clone(bytes.TrimRight(buf.B, "\n")), nil
}

func (JSONCodec) Decode(line []byte) (Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(line, &jr); err != nil {
		return Record{}, corrupted(KindJSON, err)
	}
	switch jr.Encoding {
	case "":
	case base64Tag:
		var err error
		if jr.Key, err = fromBase64(jr.Key); err != nil {
			return Record{}, corrupted(KindJSON, err)
		}
		if jr.Value != nil {
			v, err := fromBase64(*jr.Value)
			if err != nil {
				return Record{}, corrupted(KindJSON, err)
			}
			jr.Value = &v
		}
	default:
		return Record{}, corrupted(KindJSON, fmt.Errorf("unknown encoding %q", jr.Encoding))
	}
	if jr.Tombstone {
		return NewTombstone(jr.Key, jr.Index), nil
	}
	if jr.Value == nil {
		return Record{}, corrupted(KindJSON, errors.New("record without value or tombstone"))
	}
	return NewRecord(jr.Key, jr.Index, *jr.Value), nil
}
