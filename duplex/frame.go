package duplex

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/routeclient/types"
)

// FrameType is the "type" discriminator of every frame.
type FrameType string

// Handshake frames.
const (
	FrameNeedHeader  FrameType = "need-header"
	FrameHeader      FrameType = "header"
	FrameServerReady FrameType = "server-ready"
	FrameClientReady FrameType = "client-ready"
	FrameComplete    FrameType = "complete"
)

// Steady-state frames.
const (
	FrameSend FrameType = "send"
	FrameReq  FrameType = "req"
	FrameRes  FrameType = "res"
)

// Frame is one self-delimited message on the duplex channel. Only the fields
// of its Type are set.
type Frame struct {
	Type FrameType `json:"type"`

	// header, a JSON object of string values
	Header json.RawMessage `json:"header,omitempty"`

	// send
	Payload json.RawMessage `json:"payload,omitempty"`

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EncodeFrame serializes f as JSON.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses and checks a frame. Anything malformed is a protocol
// violation.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, types.NewProtocolError("malformed frame").WithCause(err)
	}

	switch f.Type {
	case FrameReq:
		if f.ID == "" || f.Method == "" {
			return nil, types.NewProtocolError("req frame without id or method")
		}
	case FrameRes:
		if f.ID == "" {
			return nil, types.NewProtocolError("res frame without id")
		}
	case "":
		return nil, types.NewProtocolError("frame without type")
	}
	return &f, nil
}

// DecodeArgs splits the args array of a req frame.
func DecodeArgs(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, types.NewProtocolError("req args are not an array").WithCause(err)
	}
	return args, nil
}

func headerFrame(header map[string]string) (*Frame, error) {
	if header == nil {
		header = map[string]string{}
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return &Frame{Type: FrameHeader, Header: data}, nil
}

func encodeArgs(args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}
