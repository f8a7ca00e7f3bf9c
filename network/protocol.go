package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

const (
	// ProtocolVersion is the current push protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted push frame size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds the websocket dial and upgrade.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultOutboundQueue is the per-connection bounded send queue length.
	DefaultOutboundQueue = 256
)

// Inbound frame kinds mirror models.EventKind.
const (
	KindCreateConversation = string(models.EventCreateConversation)
	KindChatMessage        = string(models.EventChatMessage)
	KindReadReceipt        = string(models.EventReadReceipt)
)

// Outbound and control frame kinds.
const (
	KindJoin            = "join"
	KindLeave           = "leave"
	KindSendMessage     = "send-message"
	KindSendReadReceipt = "send-read-receipt"
	KindReady           = "ready"
	KindError           = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrameKind indicates the frame kind is missing or unknown.
	ErrInvalidFrameKind = errors.New("network: invalid frame kind")
	// ErrMissingConversationID indicates a routed frame without conversationId.
	ErrMissingConversationID = errors.New("network: frame has no conversation id")
	// ErrMissingPayload indicates an event frame without its payload.
	ErrMissingPayload = errors.New("network: frame has no payload")
)

// Frame is the push-channel envelope. Payload shape depends on Kind.
type Frame struct {
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversationId,omitempty"`
	ID             string          `json:"id,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SendMessagePayload is the body of a send-message frame.
type SendMessagePayload struct {
	Content string `json:"content"`
}

// SendReadReceiptPayload is the body of a send-read-receipt frame.
type SendReadReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// ErrorPayload reports a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadyPayload is sent by the server once a connection is authenticated.
type ReadyPayload struct {
	UserID          string `json:"userId"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// EncodeJSON marshals a protocol value to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeFrame parses an envelope and checks that it has a kind.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Kind == "" {
		return Frame{}, ErrInvalidFrameKind
	}
	return frame, nil
}

// NewFrame builds a frame with a JSON-encoded payload.
func NewFrame(kind, conversationID string, payload any) (Frame, error) {
	frame := Frame{Kind: kind, ConversationID: conversationID}
	if payload != nil {
		raw, err := EncodeJSON(payload)
		if err != nil {
			return Frame{}, err
		}
		frame.Payload = raw
	}
	return frame, nil
}

// SendMessageFrame builds the outbound frame for sendMessage(content, conversationId).
func SendMessageFrame(conversationID, content string) (Frame, error) {
	return NewFrame(KindSendMessage, conversationID, SendMessagePayload{Content: content})
}

// SendReadReceiptFrame builds the outbound frame for sendReadReceipt(messageId, conversationId).
func SendReadReceiptFrame(conversationID, messageID string) (Frame, error) {
	return NewFrame(KindSendReadReceipt, conversationID, SendReadReceiptPayload{MessageID: messageID})
}

// EventFrame converts a domain event into its wire envelope.
func EventFrame(event models.Event) (Frame, error) {
	frame := Frame{
		Kind:           string(event.Kind),
		ConversationID: event.ConversationID,
		ID:             event.ID,
	}
	if !event.Timestamp.IsZero() {
		frame.Timestamp = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	var payload any
	switch event.Kind {
	case models.EventCreateConversation:
		if event.Conversation == nil {
			return Frame{}, ErrMissingPayload
		}
		payload = event.Conversation
	case models.EventChatMessage:
		if event.Message == nil {
			return Frame{}, ErrMissingPayload
		}
		payload = event.Message
	case models.EventReadReceipt:
		if event.Receipt == nil {
			return Frame{}, ErrMissingPayload
		}
		payload = event.Receipt
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidFrameKind, event.Kind)
	}

	raw, err := EncodeJSON(payload)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = raw
	return frame, nil
}

// DecodeEvent converts an inbound envelope into a domain event. Envelope fields fill in
// anything the payload leaves empty (id, conversation id, timestamp).
func DecodeEvent(frame Frame) (models.Event, error) {
	if frame.ConversationID == "" {
		return models.Event{}, ErrMissingConversationID
	}
	if len(frame.Payload) == 0 {
		return models.Event{}, ErrMissingPayload
	}

	event := models.Event{
		Kind:           models.EventKind(frame.Kind),
		ConversationID: frame.ConversationID,
		ID:             frame.ID,
	}
	if frame.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
		if err != nil {
			return models.Event{}, fmt.Errorf("decode %s timestamp: %w", frame.Kind, err)
		}
		event.Timestamp = ts
	}

	switch event.Kind {
	case models.EventCreateConversation:
		var conversation models.Conversation
		if err := json.Unmarshal(frame.Payload, &conversation); err != nil {
			return models.Event{}, fmt.Errorf("decode conversation payload: %w", err)
		}
		if conversation.ID == "" {
			conversation.ID = frame.ConversationID
		}
		event.Conversation = &conversation
	case models.EventChatMessage:
		var message models.Message
		if err := json.Unmarshal(frame.Payload, &message); err != nil {
			return models.Event{}, fmt.Errorf("decode message payload: %w", err)
		}
		if message.ID == "" {
			message.ID = frame.ID
		}
		if message.ConversationID == "" {
			message.ConversationID = frame.ConversationID
		}
		if message.Timestamp.IsZero() {
			message.Timestamp = event.Timestamp
		}
		message.Provisional = false
		event.Message = &message
		if event.ID == "" {
			event.ID = message.ID
		}
	case models.EventReadReceipt:
		var receipt models.ReadReceipt
		if err := json.Unmarshal(frame.Payload, &receipt); err != nil {
			return models.Event{}, fmt.Errorf("decode receipt payload: %w", err)
		}
		if receipt.ID == "" {
			receipt.ID = frame.ID
		}
		if receipt.ConversationID == "" {
			receipt.ConversationID = frame.ConversationID
		}
		if receipt.ReadAt.IsZero() {
			receipt.ReadAt = event.Timestamp
		}
		event.Receipt = &receipt
		if event.ID == "" {
			event.ID = receipt.ID
		}
	default:
		return models.Event{}, fmt.Errorf("%w: %q", ErrInvalidFrameKind, frame.Kind)
	}

	return event, nil
}

// IsEventKind reports whether kind is one of the routed inbound event kinds.
func IsEventKind(kind string) bool {
	switch kind {
	case KindCreateConversation, KindChatMessage, KindReadReceipt:
		return true
	default:
		return false
	}
}

// DecodePayload unmarshals a frame payload into out.
func DecodePayload(frame Frame, out any) error {
	if err := decodePayload(frame.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Kind, err)
	}
	return nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return ErrMissingPayload
	}
	return json.Unmarshal(raw, out)
}
