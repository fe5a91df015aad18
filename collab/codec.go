package collab

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Every websocket message is one frame: an event name plus an optional
// payload document. The payload is encoded with the same codec as the
// envelope. Entity payloads (`UpdateEvent.Payload`) are opaque JSON text at
// this layer and ride through the cbor envelope as a byte string.
type WireCodec interface {
	Name() string
	// websocket message type that carries this codec's frames
	MessageType() int
	EncodeFrame(event string, payload any) ([]byte, error)
	// returns the event name and the still-encoded payload document
	DecodeFrame(message []byte) (string, []byte, error)
	DecodePayload(encodedPayload []byte, payload any) error
}

// Codec preference for a profile, best first. The transport downgrades one
// step each time the remote end rejects the active encoding. The last codec
// is terminal. Proxied paths skip cbor entirely because intermediaries that
// re-frame or inspect traffic handle text frames more reliably than binary.
func newWireCodecs(profile EnvironmentProfile) []WireCodec {
	switch profile {
	case EnvironmentProfileProxied:
		return []WireCodec{
			NewJsonWireCodec(),
		}
	default:
		return []WireCodec{
			NewCborWireCodec(),
			NewJsonWireCodec(),
		}
	}
}

// CodecForMessageType maps a websocket message type to the codec that decodes
// frames of that type. Inbound decoding is always encoding agnostic.
func CodecForMessageType(messageType int) WireCodec {
	switch messageType {
	case websocket.BinaryMessage:
		return NewCborWireCodec()
	case websocket.TextMessage:
		return NewJsonWireCodec()
	default:
		return nil
	}
}

var cborEncMode cbor.EncMode
var cborDecMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// core deterministic encoding truncates time to seconds. Conflict
	// detection compares server timestamps, so keep full precision.
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic(err)
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

type cborFrame struct {
	Event   string          `cbor:"event"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

type cborWireCodec struct {
}

func NewCborWireCodec() WireCodec {
	return &cborWireCodec{}
}

func (self *cborWireCodec) Name() string {
	return "cbor"
}

func (self *cborWireCodec) MessageType() int {
	return websocket.BinaryMessage
}

func (self *cborWireCodec) EncodeFrame(event string, payload any) ([]byte, error) {
	frame := &cborFrame{
		Event: event,
	}
	if payload != nil {
		encodedPayload, err := cborEncMode.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = cbor.RawMessage(encodedPayload)
	}
	return cborEncMode.Marshal(frame)
}

func (self *cborWireCodec) DecodeFrame(message []byte) (string, []byte, error) {
	var frame cborFrame
	if err := cborDecMode.Unmarshal(message, &frame); err != nil {
		return "", nil, err
	}
	if frame.Event == "" {
		return "", nil, fmt.Errorf("Frame is missing an event name.")
	}
	return frame.Event, []byte(frame.Payload), nil
}

func (self *cborWireCodec) DecodePayload(encodedPayload []byte, payload any) error {
	if len(encodedPayload) == 0 {
		return fmt.Errorf("Frame has no payload.")
	}
	return cborDecMode.Unmarshal(encodedPayload, payload)
}

type jsonFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonWireCodec struct {
}

func NewJsonWireCodec() WireCodec {
	return &jsonWireCodec{}
}

func (self *jsonWireCodec) Name() string {
	return "json"
}

func (self *jsonWireCodec) MessageType() int {
	return websocket.TextMessage
}

func (self *jsonWireCodec) EncodeFrame(event string, payload any) ([]byte, error) {
	frame := &jsonFrame{
		Event: event,
	}
	if payload != nil {
		encodedPayload, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = json.RawMessage(encodedPayload)
	}
	return json.Marshal(frame)
}

func (self *jsonWireCodec) DecodeFrame(message []byte) (string, []byte, error) {
	var frame jsonFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return "", nil, err
	}
	if frame.Event == "" {
		return "", nil, fmt.Errorf("Frame is missing an event name.")
	}
	return frame.Event, []byte(frame.Payload), nil
}

func (self *jsonWireCodec) DecodePayload(encodedPayload []byte, payload any) error {
	if len(encodedPayload) == 0 {
		return fmt.Errorf("Frame has no payload.")
	}
	return json.Unmarshal(encodedPayload, payload)
}
