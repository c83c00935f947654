package gateway

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Subprotocols a client may request during the handshake. Without one,
// frames are JSON text.
const (
	SubprotocolJSON = "chat.json"
	SubprotocolCBOR = "chat.cbor"
)

// codec encodes outbound frames for one connection. Field names come
// from the json struct tags in both encodings.
type codec interface {
	frameType() int
	marshal(v any) ([]byte, error)
	unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) frameType() int                     { return websocket.TextMessage }
func (jsonCodec) marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborCodec uses core deterministic encoding with RFC 3339 timestamps, so
// a message carries the same createdAt text as in JSON.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("gateway: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("gateway: CBOR decoder initialization failed: " + err.Error())
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (*cborCodec) frameType() int                       { return websocket.BinaryMessage }
func (c *cborCodec) marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *cborCodec) unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var (
	textCodec   codec = jsonCodec{}
	binaryCodec codec = newCBORCodec()
)

// codecForSubprotocol picks the outbound codec negotiated at handshake.
func codecForSubprotocol(subprotocol string) codec {
	if subprotocol == SubprotocolCBOR {
		return binaryCodec
	}
	return textCodec
}

// codecForFrame picks the decoder for an inbound frame by its type.
func codecForFrame(messageType int) codec {
	if messageType == websocket.BinaryMessage {
		return binaryCodec
	}
	return textCodec
}

// frameCache encodes an event at most once per codec while fanning out.
type frameCache struct {
	ev     Event
	frames map[codec][]byte
}

func newFrameCache(ev Event) *frameCache {
	return &frameCache{ev: ev, frames: make(map[codec][]byte, 2)}
}

func (f *frameCache) frame(c codec) ([]byte, error) {
	if b, ok := f.frames[c]; ok {
		return b, nil
	}
	b, err := c.marshal(f.ev)
	if err != nil {
		return nil, err
	}
	f.frames[c] = b
	return b, nil
}
