// Package protocol defines the envelopes exchanged between the relay and
// its clients.
//
// Every frame on the wire is a JSON object {"type": <tag>, "payload": {...}}.
// The tag selects exactly one payload shape; decoding an envelope yields a
// typed payload so callers never touch raw JSON.
package protocol

import (
	"time"
)

// MessageType identifies the kind of envelope being sent.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeHeartbeat keeps links warm and echoes hellos.
	// Payload: Heartbeat
	MessageTypeHeartbeat MessageType = "Heartbeat"

	// MessageTypeClientHello is sent by a client after connecting to
	// (re)assert its identity.
	// Payload: ClientHello
	MessageTypeClientHello MessageType = "ClientHello"

	// MessageTypeControllerChanged announces a new controller (or none).
	// Only the relay may originate it.
	// Payload: ControllerChanged
	MessageTypeControllerChanged MessageType = "ControllerChanged"

	// MessageTypeRunCommand asks a client to run a command. No result flows back.
	// Payload: RunCommand
	MessageTypeRunCommand MessageType = "RunCommand"

	// MessageTypeRunService asks a client to run a named service.
	// Payload: RunService
	MessageTypeRunService MessageType = "RunService"

	// MessageTypeServiceResult carries the outcome of a RunService.
	// Payload: ServiceResult
	MessageTypeServiceResult MessageType = "ServiceResult"

	// MessageTypeScreenshot carries a PNG capture of a client's desktop.
	// Payload: Screenshot
	MessageTypeScreenshot MessageType = "Screenshot"

	// MessageTypeMouseEvent carries controller pointer input.
	// Payload: MouseEvent
	MessageTypeMouseEvent MessageType = "MouseEvent"

	// MessageTypeFileSync carries a whole-file change.
	// Payload: FileSync
	MessageTypeFileSync MessageType = "FileSync"
)

// Payload is implemented by every envelope payload.
// The set is closed: only types in this package satisfy it.
type Payload interface {
	messageType() MessageType
	validate() error
}

// Envelope is a tagged message. Type always matches Payload.
type Envelope struct {
	Type    MessageType
	Payload Payload
}

// Heartbeat is the keepalive payload. When the relay accepts a hello it
// broadcasts a Heartbeat whose Hello field names the identity.
type Heartbeat struct {
	Hello string `json:"hello,omitempty"`
}

// ClientHello asserts the sender's identity.
type ClientHello struct {
	// ClientID is the identity the connection wants to hold.
	ClientID string `json:"clientId"`

	// MachineName and UserName are informational.
	MachineName string `json:"machineName,omitempty"`
	UserName    string `json:"userName,omitempty"`
}

// ControllerChanged names the current controller.
// A nil Controller means no controller is elected.
type ControllerChanged struct {
	Controller *string `json:"controller"`
}

// ControllerID returns the elected identity or "" when none.
func (c ControllerChanged) ControllerID() string {
	if c.Controller == nil {
		return ""
	}
	return *c.Controller
}

// RunCommand asks the target (or everyone) to run a command.
type RunCommand struct {
	Command   string   `json:"command"`
	Arguments []string `json:"arguments,omitempty"`

	// Target is the identity to deliver to; empty broadcasts.
	Target string `json:"target,omitempty"`
}

// RunService asks the target (or everyone) to run a named service.
type RunService struct {
	ServiceName   string            `json:"serviceName"`
	CorrelationID string            `json:"correlationId"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Target        string            `json:"target,omitempty"`
}

// ServiceResult reports the outcome of a RunService.
type ServiceResult struct {
	ServiceName   string `json:"serviceName"`
	CorrelationID string `json:"correlationId"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Target        string `json:"target,omitempty"`
}

// Screenshot carries a base64-encoded PNG of a client's screen.
type Screenshot struct {
	ClientID   string    `json:"clientId"`
	Base64PNG  string    `json:"base64Png"`
	CapturedAt time.Time `json:"capturedAt"`
}

// MouseEvent is one pointer action from the controller.
// Coordinates are normalized to the sender's virtual-screen box.
type MouseEvent struct {
	ControllerClientID string      `json:"controllerClientId"`
	Action             MouseAction `json:"action"`
	NormalizedX        float64     `json:"normalizedX"`
	NormalizedY        float64     `json:"normalizedY"`
	Delta              int         `json:"delta"`
}

// FileSync is a whole-file change relative to the sync root.
type FileSync struct {
	SenderClientID string     `json:"senderClientId"`
	RelativePath   string     `json:"relativePath"`
	Operation      FileSyncOp `json:"operation"`

	// Base64Content is the full file body for Create/Update.
	// Nil for Delete. An empty string is an empty file.
	Base64Content *string `json:"base64Content,omitempty"`
}

func (Heartbeat) messageType() MessageType         { return MessageTypeHeartbeat }
func (ClientHello) messageType() MessageType       { return MessageTypeClientHello }
func (ControllerChanged) messageType() MessageType { return MessageTypeControllerChanged }
func (RunCommand) messageType() MessageType        { return MessageTypeRunCommand }
func (RunService) messageType() MessageType        { return MessageTypeRunService }
func (ServiceResult) messageType() MessageType     { return MessageTypeServiceResult }
func (Screenshot) messageType() MessageType        { return MessageTypeScreenshot }
func (MouseEvent) messageType() MessageType        { return MessageTypeMouseEvent }
func (FileSync) messageType() MessageType          { return MessageTypeFileSync }

// New wraps a payload in an envelope with the matching tag.
func New(p Payload) Envelope {
	return Envelope{Type: p.messageType(), Payload: p}
}

// NewHeartbeat creates a keepalive, optionally echoing a hello.
func NewHeartbeat(hello string) Envelope {
	return New(Heartbeat{Hello: hello})
}

// NewClientHello creates a hello for the given identity.
func NewClientHello(clientID, machineName, userName string) Envelope {
	return New(ClientHello{ClientID: clientID, MachineName: machineName, UserName: userName})
}

// NewControllerChanged creates a controller announcement.
// An empty identity announces that no controller is elected.
func NewControllerChanged(identity string) Envelope {
	var p ControllerChanged
	if identity != "" {
		p.Controller = &identity
	}
	return New(p)
}

// NewFileSync creates a file change envelope. content is ignored for deletes.
func NewFileSync(sender, relPath string, op FileSyncOp, content []byte) Envelope {
	p := FileSync{SenderClientID: sender, RelativePath: relPath, Operation: op}
	if op != FileSyncDelete {
		encoded := EncodeContent(content)
		p.Base64Content = &encoded
	}
	return New(p)
}
