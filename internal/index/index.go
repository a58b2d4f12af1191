package index

import (
	"sort"
	"sync"

	"convsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Index maintains the globally sorted conversation list: pinned first,
// then most-recent-activity first, ties kept in original list order.
type Index struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	// arrival records the position a conversation first appeared at, the
	// stable tie-breaker for the comparator.
	arrival map[string]int
	nextPos int
	logger  *logrus.Logger
}

func New(logger *logrus.Logger) *Index {
	return &Index{
		conversations: make(map[string]*models.Conversation),
		arrival:       make(map[string]int),
		logger:        logger,
	}
}

// Load seeds the index from a contact-list fetch. Existing entries are
// updated in place so session state (unread, pin toggles) survives a
// refresh.
func (ix *Index) Load(rows []models.Conversation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := range rows {
		row := rows[i]
		if existing, ok := ix.conversations[row.ID]; ok {
			existing.Name = row.Name
			existing.ContactID = row.ContactID
			if row.ContactUpdatedAt > existing.ContactUpdatedAt {
				existing.ContactUpdatedAt = row.ContactUpdatedAt
			}
			if row.LastMessageAt > existing.LastMessageAt {
				existing.LastMessageAt = row.LastMessageAt
			}
			continue
		}
		ix.register(&row)
	}
}

// Get returns a copy of the conversation, or ok=false.
func (ix *Index) Get(id string) (models.Conversation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c, ok := ix.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// Touch records activity for a conversation, creating it on first
// sighting. mutate runs under the index lock and may adjust any field;
// the visible ordering is derived from the updated state.
func (ix *Index) Touch(id string, cause models.TouchCause, mutate func(*models.Conversation)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.conversations[id]
	if !ok {
		c = &models.Conversation{ID: id}
		ix.register(c)
	}
	if mutate != nil {
		mutate(c)
	}

	ix.logger.WithFields(logrus.Fields{
		"conversationId": id,
		"cause":          cause,
	}).Debug("Conversation touched")
}

// RecordMessage folds a reconciled message into the conversation's
// activity timestamp and unread counter. Inbound messages to inactive
// conversations bump unread, but only on first sighting: a duplicate
// delivered again through another channel merges into an existing entry
// and must not count twice. The caller says whether the conversation is
// active and whether the entry is new.
func (ix *Index) RecordMessage(id string, timestamp int64, fromMe, active, firstSeen bool) {
	ix.Touch(id, models.TouchMessage, func(c *models.Conversation) {
		if timestamp > c.LastMessageAt {
			c.LastMessageAt = timestamp
		}
		if firstSeen && !fromMe && !active {
			c.Unread++
		}
	})
}

// SetPinned toggles the pin flag.
func (ix *Index) SetPinned(id string, pinned bool) {
	ix.Touch(id, models.TouchPinToggle, func(c *models.Conversation) {
		c.Pinned = pinned
	})
}

// SetTags replaces the tag set.
func (ix *Index) SetTags(id string, tags []string, updatedAt int64) {
	ix.Touch(id, models.TouchTagsChanged, func(c *models.Conversation) {
		c.Tags = tags
		if updatedAt > c.ContactUpdatedAt {
			c.ContactUpdatedAt = updatedAt
		}
	})
}

// SetAssignee updates the assignment.
func (ix *Index) SetAssignee(id, assignee string, updatedAt int64) {
	ix.Touch(id, models.TouchAssignment, func(c *models.Conversation) {
		c.Assignee = assignee
		if updatedAt > c.ContactUpdatedAt {
			c.ContactUpdatedAt = updatedAt
		}
	})
}

// ResetUnread zeroes the unread counter. Returns the contact id for the
// fire-and-forget remote reset.
func (ix *Index) ResetUnread(id string) string {
	contactID := ""
	ix.Touch(id, models.TouchUnreadReset, func(c *models.Conversation) {
		c.Unread = 0
		contactID = c.ContactID
	})
	return contactID
}

// List returns the visible conversation list under the comparator:
// pinned desc, last activity desc, stable original order. The sort is
// stable, so any permutation of input events yields the same total
// order.
func (ix *Index) List() []models.Conversation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.Conversation, 0, len(ix.conversations))
	for _, c := range ix.conversations {
		out = append(out, *c)
	}

	// Restore arrival order first so the stable sort's tie-break is the
	// original list order, not map iteration order.
	sort.Slice(out, func(a, b int) bool {
		return ix.arrival[out[a].ID] < ix.arrival[out[b].ID]
	})
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Pinned != out[b].Pinned {
			return out[a].Pinned
		}
		return out[a].LastActivity() > out[b].LastActivity()
	})

	return out
}

// Len returns the number of tracked conversations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.conversations)
}

func (ix *Index) register(c *models.Conversation) {
	ix.conversations[c.ID] = c
	ix.arrival[c.ID] = ix.nextPos
	ix.nextPos++
}
