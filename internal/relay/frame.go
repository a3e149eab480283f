package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telemyapp/liveterm-relay/internal/model"
)

// Kind is the closed set of frame types on the wire. KindUnknown covers every
// tag this server does not recognise.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindPTYOutput
	KindPTYInput
	KindMeta
	KindError
)

func ParseKind(tag string) Kind {
	switch tag {
	case "hello":
		return KindHello
	case "pty_output":
		return KindPTYOutput
	case "pty_input":
		return KindPTYInput
	case "meta":
		return KindMeta
	case "error":
		return KindError
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPTYOutput:
		return "pty_output"
	case KindPTYInput:
		return "pty_input"
	case KindMeta:
		return "meta"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ProtocolError is reported to the sender as an error frame. The connection
// stays open.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

var errInvalidJSON = &ProtocolError{Message: "Invalid JSON"}

// Inbound is a decoded client frame.
type Inbound struct {
	Kind    Kind
	Tag     string
	Data    string
	Payload json.RawMessage
}

type rawInbound struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

var jsonNull = []byte("null")

func DecodeInbound(b []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(b, &raw); err != nil {
		return Inbound{}, errInvalidJSON
	}
	in := Inbound{Kind: ParseKind(raw.Type), Tag: raw.Type, Payload: raw.Payload}
	if len(raw.Data) > 0 && !bytes.Equal(raw.Data, jsonNull) {
		if err := json.Unmarshal(raw.Data, &in.Data); err != nil {
			return in, &ProtocolError{Message: "Field data must be a string"}
		}
	}
	if len(in.Payload) == 0 || bytes.Equal(in.Payload, jsonNull) {
		in.Payload = json.RawMessage(`{}`)
	}
	return in, nil
}

type helloFrame struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Role      model.Role `json:"role"`
	TS        int64      `json:"ts"`
}

type outputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type inputFrame struct {
	Type         string `json:"type"`
	Data         string `json:"data"`
	FromUserID   string `json:"fromUserId"`
	FromUserName string `json:"fromUserName"`
}

type metaFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    model.Role      `json:"from"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type dataPayload struct {
	Data string `json:"data"`
}

func HelloFrame(sessionID string, role model.Role, tsMillis int64) []byte {
	return mustMarshal(helloFrame{Type: KindHello.String(), SessionID: sessionID, Role: role, TS: tsMillis})
}

func OutputFrame(data string) []byte {
	return mustMarshal(outputFrame{Type: KindPTYOutput.String(), Data: data})
}

func InputFrame(data, fromUserID, fromUserName string) []byte {
	return mustMarshal(inputFrame{Type: KindPTYInput.String(), Data: data, FromUserID: fromUserID, FromUserName: fromUserName})
}

func MetaFrame(payload json.RawMessage, from model.Role) []byte {
	return mustMarshal(metaFrame{Type: KindMeta.String(), Payload: payload, From: from})
}

func ErrorFrame(message string) []byte {
	return mustMarshal(errorFrame{Type: KindError.String(), Message: message})
}

func streamPayload(data string) json.RawMessage {
	return mustMarshal(dataPayload{Data: data})
}

// mustMarshal only sees the fixed frame structs above, whose payloads were
// already validated by DecodeInbound.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(errors.Join(errors.New("relay: encode frame"), err))
	}
	return b
}
