package chatapi

import (
	"encoding/json"
)

// PushEnvelope is the JSON frame delivered on the push channel.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Push envelope types the server is known to send.
const (
	EnvelopeNewMessage       = "new_message"
	EnvelopeStatusUpdate     = "status_update"
	EnvelopeAssignmentUpdate = "assignment_update"
	EnvelopeTagsUpdate       = "tags_update"
	EnvelopeError            = "error"
)

// RawMessage is a message row as the server ships it, from either the
// poll endpoint or a new_message push payload. Field presence varies by
// kind and by source; normalization happens in the reconciler.
type RawMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"type"`
	Body           string          `json:"body,omitempty"`
	Text           string          `json:"text,omitempty"`
	Caption        string          `json:"caption,omitempty"`
	MimeType       string          `json:"mimetype,omitempty"`
	MediaURL       string          `json:"media_url,omitempty"`
	FileName       string          `json:"filename,omitempty"`
	FileSize       int64           `json:"filesize,omitempty"`
	Latitude       json.Number     `json:"latitude,omitempty"`
	Longitude      json.Number     `json:"longitude,omitempty"`
	LocationLabel  string          `json:"location_label,omitempty"`
	CallDuration   int             `json:"call_duration,omitempty"`
	CallMissed     bool            `json:"call_missed,omitempty"`
	CallVideo      bool            `json:"call_video,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	OrderItems     int             `json:"order_item_count,omitempty"`
	OrderTotal     int64           `json:"order_total_cents,omitempty"`
	OrderCurrency  string          `json:"order_currency,omitempty"`
	FromMe         bool            `json:"from_me"`
	Author         string          `json:"author,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	CreatedAt      int64           `json:"created_at,omitempty"`
	Status         string          `json:"status,omitempty"`
	ReactionEmoji  string          `json:"reaction_emoji,omitempty"`
	TargetID       string          `json:"target_message_id,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// StatusUpdate is the payload of a status_update envelope.
type StatusUpdate struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// AssignmentUpdate is the payload of an assignment_update envelope.
type AssignmentUpdate struct {
	ConversationID string `json:"conversation_id"`
	Assignee       string `json:"assignee"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

// TagsUpdate is the payload of a tags_update envelope.
type TagsUpdate struct {
	ConversationID string   `json:"conversation_id"`
	Tags           []string `json:"tags"`
	UpdatedAt      int64    `json:"updated_at,omitempty"`
}

// ServerError is the payload of an error envelope.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ConversationRow is a contact-list row from the conversations endpoint.
type ConversationRow struct {
	ID            string   `json:"id"`
	ContactID     string   `json:"contact_id,omitempty"`
	Name          string   `json:"name,omitempty"`
	Pinned        bool     `json:"pinned"`
	Unread        int      `json:"unread"`
	Tags          []string `json:"tags,omitempty"`
	Assignee      string   `json:"assignee,omitempty"`
	LastMessageAt int64    `json:"last_message_at,omitempty"`
	UpdatedAt     int64    `json:"updated_at,omitempty"`
}

// SendRequest is the body for the per-kind send endpoints.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body,omitempty"`
	Caption        string `json:"caption,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MimeType       string `json:"mimetype,omitempty"`
	FileName       string `json:"filename,omitempty"`
}

// SendResponse is the server's reply to a send request.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
