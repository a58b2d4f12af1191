package reconcile

import (
	"sort"

	"convsync/internal/models"
)

// Window is the canonical in-memory sequence for one conversation:
// deduplicated, ordered by (timestamp, insertion sequence). It is never
// evicted while the conversation is open; the persistent cache is a
// separate, bounded copy.
type Window struct {
	messages   []*models.Message
	byIdentity map[string]*models.Message
}

func NewWindow() *Window {
	return &Window{
		byIdentity: make(map[string]*models.Message),
	}
}

func (w *Window) Len() int {
	return len(w.messages)
}

// ByIdentity returns the entry with the given server or temp id.
func (w *Window) ByIdentity(id string) *models.Message {
	if id == "" {
		return nil
	}
	return w.byIdentity[id]
}

// Insert places the message at its sorted position. The caller has
// already ruled out duplicates.
func (w *Window) Insert(m *models.Message) {
	idx := sort.Search(len(w.messages), func(i int) bool {
		return m.Before(w.messages[i])
	})
	w.messages = append(w.messages, nil)
	copy(w.messages[idx+1:], w.messages[idx:])
	w.messages[idx] = m
	w.index(m)
}

// Append adds the message at the end without a position search. Used for
// batch merges that re-sort afterwards.
func (w *Window) Append(m *models.Message) {
	w.messages = append(w.messages, m)
	w.index(m)
}

// SortIfNeeded re-sorts the window only when an out-of-order pair exists.
// Returns whether a sort ran.
func (w *Window) SortIfNeeded() bool {
	for i := 1; i < len(w.messages); i++ {
		if w.messages[i].Before(w.messages[i-1]) {
			sort.SliceStable(w.messages, func(a, b int) bool {
				return w.messages[a].Before(w.messages[b])
			})
			return true
		}
	}
	return false
}

// Resort restores ordering after an existing entry's timestamp changed.
func (w *Window) Resort() {
	sort.SliceStable(w.messages, func(a, b int) bool {
		return w.messages[a].Before(w.messages[b])
	})
}

// ConfirmIdentity performs the temp-to-server identity transition for the
// entry currently known by tempID. The record mutates in place; a second
// confirmation for the same entry is a no-op. Returns the entry, or nil
// when no entry carries tempID.
func (w *Window) ConfirmIdentity(tempID, serverID string) *models.Message {
	m := w.byIdentity[tempID]
	if m == nil {
		return nil
	}
	if m.ID != "" {
		// Already transitioned. The invariant is at-most-once.
		return m
	}
	m.ID = serverID
	w.byIdentity[serverID] = m
	return m
}

// Remove deletes the entry with the given identity from the window.
func (w *Window) Remove(id string) bool {
	m := w.byIdentity[id]
	if m == nil {
		return false
	}
	for i, cur := range w.messages {
		if cur == m {
			w.messages = append(w.messages[:i], w.messages[i+1:]...)
			break
		}
	}
	delete(w.byIdentity, m.ID)
	delete(w.byIdentity, m.TempID)
	return true
}

// Snapshot returns a copy of the ordered sequence. Callers own the slice;
// the Message values are copies so later reconciliation cannot race with
// a reader.
func (w *Window) Snapshot() []models.Message {
	out := make([]models.Message, len(w.messages))
	for i, m := range w.messages {
		out[i] = *m
	}
	return out
}

// scan runs fn over entries in order until it returns true.
func (w *Window) scan(fn func(*models.Message) bool) *models.Message {
	for _, m := range w.messages {
		if fn(m) {
			return m
		}
	}
	return nil
}

func (w *Window) index(m *models.Message) {
	if m.ID != "" {
		w.byIdentity[m.ID] = m
	}
	if m.TempID != "" {
		w.byIdentity[m.TempID] = m
	}
}
