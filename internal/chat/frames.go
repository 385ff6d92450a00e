package chat

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotAuthorized     = errors.New("you are not a participant of this conversation")
	ErrNotInConversation = errors.New("join the conversation before sending to it")
	ErrBadRequest        = errors.New("bad request")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrUnknownFrame      = errors.New("unknown frame type")
)

const (
	TypeJoin       = "JOIN"
	TypeSend       = "SEND"
	TypeCallOffer  = "CALL_OFFER"
	TypeCallAnswer = "CALL_ANSWER"
	TypeCallICE    = "CALL_ICE"
	TypeCallEnd    = "CALL_END"
	TypeCallReady  = "CALL_READY"

	TypeJoined  = "JOINED"
	TypeMessage = "MESSAGE"
	TypeError   = "ERROR"
)

// MaxAttachmentBytes caps a decoded attachment payload.
const MaxAttachmentBytes = 5 << 20

// Inbound is one decoded client frame: *JoinFrame, *SendFrame or *SignalFrame.
type Inbound interface {
	FrameType() string
}

type JoinFrame struct {
	RoomID string `json:"roomId"`
}

type SendFrame struct {
	RoomID     string      `json:"roomId"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment travels base64 encoded in Data.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data,omitempty"`
}

// SignalFrame keeps the original bytes so the relay forwards them untouched.
type SignalFrame struct {
	Type   string
	RoomID string
	From   string
	Raw    []byte
}

func (*JoinFrame) FrameType() string     { return TypeJoin }
func (*SendFrame) FrameType() string     { return TypeSend }
func (f *SignalFrame) FrameType() string { return f.Type }

func isSignal(t string) bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeCallICE, TypeCallEnd, TypeCallReady:
		return true
	}
	return false
}

// Decode parses one inbound frame. Unknown types fail with ErrUnknownFrame.
func Decode(b []byte) (Inbound, error) {
	var env struct {
		Type   string `json:"type"`
		RoomID string `json:"roomId"`
		From   string `json:"from"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", ErrBadRequest)
	}
	t := strings.ToUpper(strings.TrimSpace(env.Type))

	switch {
	case t == TypeJoin:
		return &JoinFrame{RoomID: strings.TrimSpace(env.RoomID)}, nil
	case t == TypeSend:
		var f SendFrame
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("%w: malformed send frame", ErrBadRequest)
		}
		f.RoomID = strings.TrimSpace(f.RoomID)
		return &f, nil
	case isSignal(t):
		return &SignalFrame{Type: t, RoomID: strings.TrimSpace(env.RoomID), From: env.From, Raw: b}, nil
	case t == "":
		return nil, fmt.Errorf("%w: missing type", ErrBadRequest)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

// decodeData returns the attachment payload, enforcing MaxAttachmentBytes.
func (a *Attachment) decodeData() ([]byte, error) {
	if a.Data == "" {
		return nil, nil
	}
	if base64.StdEncoding.DecodedLen(len(a.Data)) > MaxAttachmentBytes+2 {
		return nil, fmt.Errorf("%w: attachment too large", ErrBadRequest)
	}
	raw, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment data is not base64", ErrBadRequest)
	}
	if len(raw) > MaxAttachmentBytes {
		return nil, fmt.Errorf("%w: attachment too large", ErrBadRequest)
	}
	return raw, nil
}

type JoinedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

type MessageFrame struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Sender         string      `json:"sender"`
	Role           string      `json:"role"`
	Timestamp      time.Time   `json:"timestamp"`
	UserID         uint64      `json:"userId"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

type ErrorFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func errorFrame(err error) ErrorFrame {
	return ErrorFrame{Type: TypeError, Text: err.Error()}
}
