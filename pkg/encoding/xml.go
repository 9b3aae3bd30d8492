package encoding

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

const tombstoneClass = "tombstone"

type xmlRecord struct {
	XMLName xml.Name `xml:"record"`
	Key     string   `xml:"id,attr"`
	Index   uint64   `xml:"index,attr"`
	Class   string   `xml:"class,attr,omitempty"`
	Enc     string   `xml:"enc,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// XMLCodec writes records as one markup element per line:
//
//	<record id="key" index="7">value</record>
//	<record id="key" index="8" class="tombstone"></record>
//
// Keys or values that are not valid XML text are written base64 encoded with
// enc="base64".
type XMLCodec struct{}

func (XMLCodec) Kind() Kind { return KindXML }

func (XMLCodec) Encode(r Record) ([]byte, error) {
	xr := xmlRecord{Key: r.key, Index: r.index, Value: r.value}
	if r.tombstone {
		xr.Class = tombstoneClass
		xr.Value = ""
	}
	if !xmlSafe(xr.Key) || !xmlSafe(xr.Value) {
		xr.Enc = base64Tag
		xr.Key = toBase64(xr.Key)
		xr.Value = toBase64(xr.Value)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	// xml escapes '\n' in both attributes and character data.
	if err := xml.NewEncoder(buf).Encode(xr); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.B), nil
}

func (XMLCodec) Decode(line []byte) (Record, error) {
	var xr xmlRecord
	if err := xml.Unmarshal(line, &xr); err != nil {
		return Record{}, corrupted(KindXML, err)
	}
	switch xr.Enc {
	case "":
	case base64Tag:
		var err error
		if xr.Key, err = fromBase64(xr.Key); err != nil {
			return Record{}, corrupted(KindXML, err)
		}
		if xr.Value, err = fromBase64(xr.Value); err != nil {
			return Record{}, corrupted(KindXML, err)
		}
	default:
		return Record{}, corrupted(KindXML, fmt.Errorf("unknown encoding %q", xr.Enc))
	}
	if xr.Class == tombstoneClass {
		return NewTombstone(xr.Key, xr.Index), nil
	}
	return NewRecord(xr.Key, xr.Index, xr.Value), nil
}
