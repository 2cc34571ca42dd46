package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
)

// MouseAction is the pointer action carried by a MouseEvent.
type MouseAction string

const (
	MouseMove      MouseAction = "Move"
	MouseLeftDown  MouseAction = "LeftDown"
	MouseLeftUp    MouseAction = "LeftUp"
	MouseRightDown MouseAction = "RightDown"
	MouseRightUp   MouseAction = "RightUp"
	MouseWheel     MouseAction = "Wheel"
)

// mouseActions is indexed by the numeric wire form older peers send.
var mouseActions = []MouseAction{MouseMove, MouseLeftDown, MouseLeftUp, MouseRightDown, MouseRightUp, MouseWheel}

// FileSyncOp is the kind of file change.
type FileSyncOp string

const (
	FileSyncCreate FileSyncOp = "Create"
	FileSyncUpdate FileSyncOp = "Update"
	FileSyncDelete FileSyncOp = "Delete"
)

var fileSyncOps = []FileSyncOp{FileSyncCreate, FileSyncUpdate, FileSyncDelete}

// UnmarshalJSON accepts the name (any case) or the numeric ordinal.
func (a *MouseAction) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum(data, mouseActions)
	if err != nil {
		return fmt.Errorf("mouse action: %w", err)
	}
	*a = v
	return nil
}

// UnmarshalJSON accepts the name (any case) or the numeric ordinal.
func (o *FileSyncOp) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum(data, fileSyncOps)
	if err != nil {
		return fmt.Errorf("file sync operation: %w", err)
	}
	*o = v
	return nil
}

func decodeEnum[T ~string](data []byte, values []T) (T, error) {
	var zero T
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return zero, err
		}
		for _, v := range values {
			if strings.EqualFold(string(v), s) {
				return v, nil
			}
		}
		return zero, fmt.Errorf("unknown value %q", s)
	}

	n, err := strconv.Atoi(string(data))
	if err != nil || n < 0 || n >= len(values) {
		return zero, fmt.Errorf("unknown value %s", data)
	}
	return values[n], nil
}

// wireEnvelope is the JSON shape of an Envelope.
type wireEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope as {"type","payload"}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if e.Type != e.Payload.messageType() {
		return nil, fmt.Errorf("envelope tag %s does not match payload %s", e.Type, e.Payload.messageType())
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: e.Type, Payload: payload})
}

// UnmarshalJSON decodes and validates an envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Decode parses one frame. Unknown tags yield server.unknown_type and
// malformed or partially populated payloads yield server.invalid_message;
// neither is ever coerced into a default.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "malformed envelope", err)
	}

	switch wire.Type {
	case "":
		return Envelope{}, apperrors.InvalidMessage("envelope has no type")
	case MessageTypeHeartbeat:
		return decodeAs[Heartbeat](wire, true)
	case MessageTypeClientHello:
		return decodeAs[ClientHello](wire, false)
	case MessageTypeControllerChanged:
		return decodeAs[ControllerChanged](wire, false)
	case MessageTypeRunCommand:
		return decodeAs[RunCommand](wire, false)
	case MessageTypeRunService:
		return decodeAs[RunService](wire, false)
	case MessageTypeServiceResult:
		return decodeAs[ServiceResult](wire, false)
	case MessageTypeScreenshot:
		return decodeAs[Screenshot](wire, false)
	case MessageTypeMouseEvent:
		return decodeAs[MouseEvent](wire, false)
	case MessageTypeFileSync:
		return decodeAs[FileSync](wire, false)
	default:
		return Envelope{}, apperrors.UnknownType(string(wire.Type))
	}
}

// decodeAs unmarshals and validates the payload of a known tag.
// Heartbeats may omit the payload entirely.
func decodeAs[T Payload](wire wireEnvelope, optional bool) (Envelope, error) {
	var p T
	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if !optional {
			return Envelope{}, apperrors.InvalidMessage(fmt.Sprintf("%s has no payload", wire.Type))
		}
	} else if err := json.Unmarshal(raw, &p); err != nil {
		return Envelope{}, apperrors.Wrap(apperrors.CodeServerInvalidMessage,
			fmt.Sprintf("malformed %s payload", wire.Type), err)
	}

	if err := p.validate(); err != nil {
		return Envelope{}, err
	}
	return New(p), nil
}

func missing(tag MessageType, field string) error {
	return apperrors.InvalidMessage(fmt.Sprintf("%s: missing %s", tag, field))
}

func (Heartbeat) validate() error { return nil }

func (h ClientHello) validate() error {
	if strings.TrimSpace(h.ClientID) == "" {
		return missing(MessageTypeClientHello, "clientId")
	}
	return nil
}

func (ControllerChanged) validate() error { return nil }

func (c RunCommand) validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return missing(MessageTypeRunCommand, "command")
	}
	return nil
}

func (s RunService) validate() error {
	if strings.TrimSpace(s.ServiceName) == "" {
		return missing(MessageTypeRunService, "serviceName")
	}
	return nil
}

func (r ServiceResult) validate() error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return missing(MessageTypeServiceResult, "serviceName")
	}
	return nil
}

func (s Screenshot) validate() error {
	if strings.TrimSpace(s.ClientID) == "" {
		return missing(MessageTypeScreenshot, "clientId")
	}
	if s.Base64PNG == "" {
		return missing(MessageTypeScreenshot, "base64Png")
	}
	return nil
}

func (m MouseEvent) validate() error {
	if m.Action == "" {
		return missing(MessageTypeMouseEvent, "action")
	}
	if math.IsNaN(m.NormalizedX) || math.IsNaN(m.NormalizedY) ||
		math.IsInf(m.NormalizedX, 0) || math.IsInf(m.NormalizedY, 0) {
		return apperrors.InvalidMessage("MouseEvent: coordinates must be finite")
	}
	return nil
}

func (f FileSync) validate() error {
	if strings.TrimSpace(f.RelativePath) == "" {
		return missing(MessageTypeFileSync, "relativePath")
	}
	if f.Operation == "" {
		return missing(MessageTypeFileSync, "operation")
	}
	return nil
}

// EncodeContent base64-encodes a file body for the wire.
func EncodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

// Content decodes the file body. ok is false when the message carries none.
func (f FileSync) Content() (content []byte, ok bool, err error) {
	if f.Base64Content == nil {
		return nil, false, nil
	}
	content, err = base64.StdEncoding.DecodeString(*f.Base64Content)
	if err != nil {
		return nil, true, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid base64 content", err)
	}
	return content, true, nil
}
