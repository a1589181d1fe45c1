package kernel

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the Jupyter messaging protocol version we speak.
const ProtocolVersion = "5.3"

// Channel names a logical kernel channel.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelIOPub   Channel = "iopub"
	ChannelControl Channel = "control"
	ChannelStdin   Channel = "stdin"
)

// Message types used by the checker. Legacy IPython names are accepted on
// receive where they differ.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"

	MsgStatus        = "status"
	MsgExecuteInput  = "execute_input"
	MsgStream        = "stream"
	MsgDisplayData   = "display_data"
	MsgExecuteResult = "execute_result"
	MsgError         = "error"
	MsgClearOutput   = "clear_output"

	MsgLegacyInput  = "pyin"
	MsgLegacyResult = "pyout"
	MsgLegacyError  = "pyerr"
)

// Execution states published in status messages.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// Header identifies a message. Empty fields are omitted so an empty
// parent header encodes as {}.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is one Jupyter protocol message.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`

	// Channel is set on every message handed to a Client. The websocket
	// transport also carries it on the wire.
	Channel Channel `json:"channel,omitempty"`
}

// NewMessage builds a request message with a JSON-encoded content body.
func NewMessage(msgType, msgID, session, username string, content any) (*Message, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    msgID,
			Session:  session,
			Username: username,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  body,
	}, nil
}

// Type returns the message type.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// ParentID returns the id of the request this message answers, or "".
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// Decode unmarshals the content body into v.
func (m *Message) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Type())
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.Type(), err)
	}
	return nil
}

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of an execute_reply.
// Status is "ok", "error" or "abort".
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is the content of a stream message.
// Protocol 4 kernels send the text under "data".
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
}

// Payload returns the stream text regardless of protocol version.
func (s StreamContent) Payload() string {
	if s.Text == "" {
		return s.Data
	}
	return s.Text
}

// DisplayContent is the content of display_data and execute_result.
// ExecutionCount is only set on execute_result.
type DisplayContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ShutdownRequest is the content of a shutdown_request.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// KernelInfoReply is the subset of kernel_info_reply we log.
type KernelInfoReply struct {
	Status                string `json:"status"`
	ProtocolVersion       string `json:"protocol_version"`
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
}
