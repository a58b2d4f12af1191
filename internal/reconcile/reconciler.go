package reconcile

import (
	"sync"
	"time"

	"convsync/internal/constants"
	"convsync/internal/models"
	"convsync/pkg/chatapi"

	"github.com/sirupsen/logrus"
)

// Result reports what a single ingestion did to the canonical state.
type Result struct {
	// Message is a detached copy of the canonical entry after ingestion.
	// Nil when the record was dropped, or was a reaction (reactions
	// attach to their target rather than appearing as entries).
	Message *models.Message
	// Created is true when a new entry was inserted rather than merged
	// into an existing one.
	Created bool
}

// Options tunes the reconciler. Zero values use the defaults from
// internal/constants.
type Options struct {
	DedupEpsilon time.Duration
	ReactionTTL  time.Duration
}

// Reconciler merges records from the push channel, the poll fallback and
// the optimistic send pipeline into one canonical sequence per
// conversation. It is the only writer of window state; producers hand it
// raw records and never touch the windows directly.
type Reconciler struct {
	mu        sync.Mutex
	windows   map[string]*Window
	reactions *reactionBuffer
	epsilonMs int64
	seq       uint64
	logger    *logrus.Logger
}

func New(opts Options, logger *logrus.Logger) *Reconciler {
	if opts.DedupEpsilon <= 0 {
		opts.DedupEpsilon = constants.DefaultDedupEpsilonMs * time.Millisecond
	}
	if opts.ReactionTTL <= 0 {
		opts.ReactionTTL = constants.DefaultReactionBufferTTLMin * time.Minute
	}
	return &Reconciler{
		windows:   make(map[string]*Window),
		reactions: newReactionBuffer(opts.ReactionTTL),
		epsilonMs: opts.DedupEpsilon.Milliseconds(),
		logger:    logger,
	}
}

// Ingest normalizes and reconciles one raw record. Malformed input never
// produces an error: the record is dropped or defaulted and ingestion of
// the surrounding batch continues.
func (r *Reconciler) Ingest(raw chatapi.RawMessage, source models.Source) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.ingestLocked(raw, source)
	if res.Message != nil {
		r.window(res.Message.ConversationID).SortIfNeeded()
	}
	res.Message = detach(res.Message)
	return res
}

// detach copies a canonical entry for use outside the reconciler's lock.
// The reactions slice is copied too; later merges replace its elements
// in place.
func detach(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	c := *m
	if len(m.Reactions) > 0 {
		c.Reactions = append([]models.Reaction(nil), m.Reactions...)
	}
	return &c
}

// IngestBatch reconciles a batch from a single source (typically a poll
// response). Each record is merged individually; affected windows are
// re-sorted once at the end, and only if an out-of-order entry appeared.
func (r *Reconciler) IngestBatch(rows []chatapi.RawMessage, source models.Source) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]Result, 0, len(rows))
	touched := make(map[string]struct{})
	for _, raw := range rows {
		res := r.ingestLocked(raw, source)
		results = append(results, res)
		if res.Message != nil {
			touched[res.Message.ConversationID] = struct{}{}
		}
	}

	for convID := range touched {
		if r.window(convID).SortIfNeeded() {
			r.logger.WithField("conversationId", convID).Debug("Window re-sorted after batch merge")
		}
	}
	for i := range results {
		results[i].Message = detach(results[i].Message)
	}
	return results
}

// IngestLocal inserts an optimistic send stub. The stub already carries
// its temp id and pending status; the reconciler assigns the insertion
// sequence and places it.
func (r *Reconciler) IngestLocal(m *models.Message) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.window(m.ConversationID)
	if existing := w.ByIdentity(m.Identity()); existing != nil {
		return Result{Message: detach(existing)}
	}

	r.seq++
	m.Seq = r.seq
	w.Insert(m)
	r.attachPending(m)
	return Result{Message: detach(m), Created: true}
}

// ConfirmSend transitions the entry known by tempID to its server
// identity, in place. The transition happens at most once; a duplicate
// confirmation is a no-op. Returns a detached copy of the canonical
// entry, or nil when no entry carries tempID.
func (r *Reconciler) ConfirmSend(conversationID, tempID, serverID string, timestamp int64) *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.window(conversationID)
	m := w.ConfirmIdentity(tempID, serverID)
	if m == nil {
		r.logger.WithFields(logrus.Fields{
			"conversationId": conversationID,
			"tempId":         tempID,
		}).Warn("Send confirmation for unknown message")
		return nil
	}

	m.Status = models.DeliveryStatusSent
	m.SendError = ""
	if timestamp > 0 && timestamp != m.Timestamp {
		m.Timestamp = timestamp
		w.Resort()
	}
	r.attachPending(m)
	return detach(m)
}

// FailSend marks the entry known by tempID failed, retaining the error
// for display and retry. The entry stays in the window.
func (r *Reconciler) FailSend(conversationID, tempID, sendErr string) *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.window(conversationID).ByIdentity(tempID)
	if m == nil {
		return nil
	}
	m.Status = models.DeliveryStatusFailed
	m.SendError = sendErr
	return detach(m)
}

// MarkPending re-enters a failed entry into the pending state for a
// user-triggered retry.
func (r *Reconciler) MarkPending(conversationID, id string) *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.window(conversationID).ByIdentity(id)
	if m == nil {
		return nil
	}
	m.Status = models.DeliveryStatusPending
	m.SendError = ""
	return detach(m)
}

// SetStatus applies a status_update envelope to an existing entry.
func (r *Reconciler) SetStatus(conversationID, messageID string, status models.DeliveryStatus) *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.window(conversationID).ByIdentity(messageID)
	if m == nil {
		return nil
	}
	m.Status = status
	return detach(m)
}

// Snapshot returns a copy of the canonical ordered sequence for a
// conversation.
func (r *Reconciler) Snapshot(conversationID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window(conversationID).Snapshot()
}

// LastTimestamp returns the newest timestamp in the conversation's
// window, 0 when empty. The poll scheduler uses it as its since cursor.
func (r *Reconciler) LastTimestamp(conversationID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.window(conversationID)
	if w.Len() == 0 {
		return 0
	}
	return w.messages[w.Len()-1].Timestamp
}

// SeedFromCache loads a cached ordered sequence into an empty window.
// Entries keep their order; sequences are reassigned.
func (r *Reconciler) SeedFromCache(conversationID string, messages []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.window(conversationID)
	if w.Len() > 0 {
		return
	}
	for i := range messages {
		m := messages[i]
		r.seq++
		m.Seq = r.seq
		w.Append(&m)
	}
	w.SortIfNeeded()
}

// SweepReactions drops expired buffered reactions.
func (r *Reconciler) SweepReactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := r.reactions.sweep()
	if dropped > 0 {
		r.logger.WithField("dropped", dropped).Debug("Expired pending reactions discarded")
	}
	return dropped
}

// PendingReactionCount reports the buffered reaction backlog.
func (r *Reconciler) PendingReactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reactions.size()
}

func (r *Reconciler) ingestLocked(raw chatapi.RawMessage, source models.Source) Result {
	m, err := normalize(raw, source)
	if err != nil {
		r.logger.WithError(err).WithField("source", source).Warn("Dropping malformed record")
		return Result{}
	}

	if m.Kind == models.KindReaction {
		r.ingestReaction(raw, m, source)
		return Result{}
	}

	w := r.window(m.ConversationID)

	if existing := w.ByIdentity(m.Identity()); existing != nil {
		r.merge(w, existing, m, source)
		return Result{Message: existing}
	}

	if existing := r.findNearDuplicate(w, m); existing != nil {
		r.merge(w, existing, m, source)
		return Result{Message: existing}
	}

	r.seq++
	m.Seq = r.seq
	w.Insert(m)
	r.attachPending(m)
	return Result{Message: m, Created: true}
}

// findNearDuplicate scans for an entry with the same content fingerprint
// within the dedup epsilon. This catches the same logical message seen
// through channels that do not share ids, including a poll row for a
// message sent optimistically.
func (r *Reconciler) findNearDuplicate(w *Window, m *models.Message) *models.Message {
	fp := fingerprint(m)
	return w.scan(func(e *models.Message) bool {
		delta := e.Timestamp - m.Timestamp
		if delta < 0 {
			delta = -delta
		}
		return delta <= r.epsilonMs && fingerprint(e) == fp
	})
}

// merge folds an incoming duplicate into the existing canonical entry.
// The existing record mutates in place; nothing is appended.
func (r *Reconciler) merge(w *Window, existing, incoming *models.Message, source models.Source) {
	// Near-duplicate carrying the server id for an optimistic entry:
	// this is the temp-to-server transition, done in place.
	if incoming.ID != "" && existing.ID == "" {
		w.ConfirmIdentity(existing.TempID, incoming.ID)
		if incoming.Timestamp > 0 && incoming.Timestamp != existing.Timestamp {
			existing.Timestamp = incoming.Timestamp
			w.Resort()
		}
	}

	// A server-sourced record reflects the most recent known status, but
	// never demotes a confirmed entry back to pending.
	if source != models.SourceLocal {
		if !(existing.Status == models.DeliveryStatusSent && incoming.Status == models.DeliveryStatusPending) {
			existing.Status = incoming.Status
		}
		if existing.Status != models.DeliveryStatusFailed {
			existing.SendError = ""
		}
	}

	if existing.Body == "" {
		existing.Body = incoming.Body
	}
	if existing.Media == nil {
		existing.Media = incoming.Media
	}
	if existing.Location == nil {
		existing.Location = incoming.Location
	}
	if existing.Order == nil {
		existing.Order = incoming.Order
	}
	if existing.Call == nil {
		existing.Call = incoming.Call
	}
	if existing.Author == "" {
		existing.Author = incoming.Author
	}
}

func (r *Reconciler) ingestReaction(raw chatapi.RawMessage, m *models.Message, source models.Source) {
	if raw.TargetID == "" {
		r.logger.WithField("source", source).Warn("Dropping reaction without target id")
		return
	}

	reaction := models.Reaction{
		Emoji:     m.Body,
		Author:    m.Author,
		FromMe:    m.FromMe,
		Timestamp: m.Timestamp,
	}

	w := r.window(m.ConversationID)
	if target := w.ByIdentity(raw.TargetID); target != nil {
		attachReaction(target, reaction)
		return
	}

	// Target not seen yet. Order across channels is not guaranteed, so
	// hold the reaction and attach it when the target arrives.
	r.reactions.add(raw.TargetID, reaction)
	r.logger.WithFields(logrus.Fields{
		"targetId":       raw.TargetID,
		"conversationId": m.ConversationID,
	}).Debug("Buffered reaction for missing target")
}

// attachPending moves any buffered reactions for the message's ids onto it.
func (r *Reconciler) attachPending(m *models.Message) {
	for _, id := range []string{m.ID, m.TempID} {
		if id == "" {
			continue
		}
		for _, reaction := range r.reactions.take(id) {
			attachReaction(m, reaction)
		}
	}
}

// attachReaction appends a reaction, replacing any previous reaction by
// the same author.
func attachReaction(m *models.Message, reaction models.Reaction) {
	for i, existing := range m.Reactions {
		if existing.Author == reaction.Author && existing.FromMe == reaction.FromMe {
			m.Reactions[i] = reaction
			return
		}
	}
	m.Reactions = append(m.Reactions, reaction)
}

func (r *Reconciler) window(conversationID string) *Window {
	w, ok := r.windows[conversationID]
	if !ok {
		w = NewWindow()
		r.windows[conversationID] = w
	}
	return w
}
