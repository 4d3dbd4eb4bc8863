package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OutgoingMessage is a composed message ready for SMTP submission.
type OutgoingMessage struct {
	// MessageID is the RFC 5322 Message-ID without angle brackets.
	MessageID string `json:"message_id"`

	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	// InReplyTo optionally references the parent message.
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// NewMessageID returns a unique Message-ID for the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("Mc.%s@%s", uuid.New().String(), domain)
}

// FolderPayload is the payload of a fetch_folder job.
type FolderPayload struct {
	Folder string `json:"folder"`
}

// MovePayload is the payload of a move_message job.
type MovePayload struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
	Dest   string `json:"dest"`
}

// FlagPayload is the payload of a mark_seen job.
type FlagPayload struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
}

// EncodePayload marshals a job payload.
func EncodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals a job payload into v.
func DecodePayload(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding job payload: %w", err)
	}
	return nil
}
