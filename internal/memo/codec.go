package memo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Document maps canonical keys to measured values.
type Document map[string]float64

// Codec encodes a Document for storage.
type Codec interface {
	Name() string
	Encode(Document) ([]byte, error)
	Decode([]byte) (Document, error)
}

// JSONCodec writes indented, human-readable JSON. The zero value is ready
// to use.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "    ")
}

func (JSONCodec) Decode(b []byte) (Document, error) {
	var doc Document
	err := json.Unmarshal(b, &doc)
	return doc, err
}

// MsgpackCodec serializes with vmihailenco/msgpack/v5. The zero value is
// ready to use.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(doc Document) ([]byte, error) {
	return msgpack.Marshal(doc)
}

func (MsgpackCodec) Decode(b []byte) (Document, error) {
	var doc Document
	err := msgpack.Unmarshal(b, &doc)
	return doc, err
}

// CBORCodec serializes with fxamacker/cbor using Core Deterministic
// encoding, so equal documents always produce equal bytes. Construct with
// NewCBORCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec constructs a CBORCodec.
func NewCBORCodec() (CBORCodec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBORCodec{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{enc: em, dec: dm}, nil
}

func (CBORCodec) Name() string { return "cbor" }

func (c CBORCodec) Encode(doc Document) ([]byte, error) {
	return c.enc.Marshal(doc)
}

func (c CBORCodec) Decode(b []byte) (Document, error) {
	var doc Document
	err := c.dec.Unmarshal(b, &doc)
	return doc, err
}

// CodecByName returns the codec registered under name. An empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown cache codec %q", name)
	}
}
