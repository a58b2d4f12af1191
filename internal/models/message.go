package models

import (
	"strings"
)

// DeliveryStatus tracks the lifecycle of a message from the local client's
// point of view. Remote-authored messages are always "sent".
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// MessageKind discriminates the payload carried by a message record.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindOrder       MessageKind = "order"
	KindCallLog     MessageKind = "call_log"
	KindPrivateNote MessageKind = "private_note"
	KindReaction    MessageKind = "reaction"
)

// Source identifies which channel produced a raw record.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceLocal Source = "local"
)

// MediaPayload carries the fields shared by image, video, audio, document
// and sticker messages.
type MediaPayload struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	SizeB    int64  `json:"sizeBytes,omitempty"`
}

// LocationPayload carries coordinates for location messages.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// OrderPayload carries the summary fields of an order message.
type OrderPayload struct {
	OrderID   string `json:"orderId,omitempty"`
	ItemCount int    `json:"itemCount,omitempty"`
	TotalCent int64  `json:"totalCents,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// CallPayload carries the fields of a call-log record.
type CallPayload struct {
	DurationSec int  `json:"durationSec,omitempty"`
	Missed      bool `json:"missed,omitempty"`
	Video       bool `json:"video,omitempty"`
}

// Reaction is an emoji reaction attached to a target message.
type Reaction struct {
	Emoji     string `json:"emoji"`
	Author    string `json:"author,omitempty"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the canonical record held in a conversation's window. Exactly
// one of ID / TempID identifies it at any time: TempID until the server
// confirms, ID afterwards. The temp-to-server transition happens at most
// once and mutates the record in place.
type Message struct {
	ID             string         `json:"id,omitempty"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	Kind           MessageKind    `json:"kind"`
	Body           string         `json:"body,omitempty"`
	Media          *MediaPayload  `json:"media,omitempty"`
	Location       *LocationPayload `json:"location,omitempty"`
	Order          *OrderPayload  `json:"order,omitempty"`
	Call           *CallPayload   `json:"call,omitempty"`
	FromMe         bool           `json:"fromMe"`
	Author         string         `json:"author,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	Status         DeliveryStatus `json:"status"`
	SendError      string         `json:"sendError,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`

	// Seq is the stable insertion sequence assigned by the reconciler.
	// (Timestamp, Seq) is a total order even for equal timestamps.
	Seq uint64 `json:"-"`
}

// Identity returns the server id when known, falling back to the temp id.
func (m *Message) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Confirmed reports whether the server has assigned a permanent id.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// NormalizedBody returns the body lowered and stripped of surrounding
// whitespace, the form used for near-duplicate matching.
func (m *Message) NormalizedBody() string {
	return strings.ToLower(strings.TrimSpace(m.Body))
}

// Before reports whether m sorts strictly before other under the
// (timestamp, insertion sequence) ordering key.
func (m *Message) Before(other *Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.Seq < other.Seq
}
