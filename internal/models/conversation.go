package models

// Conversation is the per-contact thread tracked by the index. It is
// created on first contact-list load and lives for the session.
type Conversation struct {
	ID        string   `json:"id"`
	ContactID string   `json:"contactId,omitempty"`
	Name      string   `json:"name,omitempty"`
	Pinned    bool     `json:"pinned"`
	Unread    int      `json:"unread"`
	Tags      []string `json:"tags,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`

	// Candidate activity timestamps, unix millis. LastActivity resolves
	// them to a single value but each is kept so later partial updates
	// cannot regress the derived timestamp.
	LastMessageAt    int64 `json:"lastMessageAt,omitempty"`
	LastAlternateAt  int64 `json:"lastAlternateAt,omitempty"`
	ContactUpdatedAt int64 `json:"contactUpdatedAt,omitempty"`
}

// LastActivity derives the sort timestamp: the max of the candidate
// fields, 0 when none is set.
func (c *Conversation) LastActivity() int64 {
	ts := int64(0)
	for _, v := range []int64{c.LastMessageAt, c.LastAlternateAt, c.ContactUpdatedAt} {
		if v > ts {
			ts = v
		}
	}
	return ts
}

// HasTag reports whether the conversation carries the given tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TouchCause names the event that re-sorted a conversation in the index.
type TouchCause string

const (
	TouchMessage     TouchCause = "message"
	TouchPinToggle   TouchCause = "pin_toggle"
	TouchTagsChanged TouchCause = "tags_changed"
	TouchAssignment  TouchCause = "assignment"
	TouchUnreadReset TouchCause = "unread_reset"
)
