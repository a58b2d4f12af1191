package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"convsync/internal/cache"
	"convsync/internal/index"
	"convsync/internal/metrics"
	"convsync/internal/models"
	"convsync/internal/reconcile"
	"convsync/pkg/chatapi"
	"convsync/pkg/push"

	"github.com/sirupsen/logrus"
)

// Status is a point-in-time snapshot of the engine for the status
// endpoint.
type Status struct {
	ConnectionState  string `json:"connectionState"`
	ActiveID         string `json:"activeConversationId,omitempty"`
	Conversations    int    `json:"conversations"`
	PendingReactions int    `json:"pendingReactions"`
	LastPollAt       int64  `json:"lastPollAt,omitempty"`
	CacheEntries     int    `json:"cacheEntries"`
	CacheBytes       int64  `json:"cacheBytes"`
}

// SyncEngine wires the push channel, poll fallback, reconciler,
// conversation index, cache and send pipeline into one unit. All
// canonical-state writes flow through it: producers deliver raw records
// here and the engine drives the reconciler, then reflects the result
// into the index and the cache.
type SyncEngine struct {
	client   chatapi.Client
	pushMgr  *push.Manager
	poller   *Poller
	sender   *Sender
	rec      *reconcile.Reconciler
	idx      *index.Index
	store    *cache.Store
	registry *metrics.Registry
	logger   *logrus.Logger

	reactionSweep time.Duration

	mu         sync.Mutex
	running    bool
	activeID   string
	lastPollAt int64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// EngineDeps collects the engine's collaborators; all are required
// except Store, which may be nil when caching is disabled (tests).
type EngineDeps struct {
	Client   chatapi.Client
	Push     *push.Manager
	Rec      *reconcile.Reconciler
	Index    *index.Index
	Store    *cache.Store
	Registry *metrics.Registry
	Logger   *logrus.Logger
}

func NewSyncEngine(deps EngineDeps, pollInterval, pollTimeout, reactionSweep time.Duration) *SyncEngine {
	e := &SyncEngine{
		client:        deps.Client,
		pushMgr:       deps.Push,
		rec:           deps.Rec,
		idx:           deps.Index,
		store:         deps.Store,
		registry:      deps.Registry,
		logger:        deps.Logger,
		reactionSweep: reactionSweep,
	}
	e.poller = NewPoller(deps.Client, e, pollInterval, pollTimeout, deps.Registry, deps.Logger)
	return e
}

// SetSender attaches the optimistic send pipeline. Called once during
// wiring; the sender needs the engine's notify callback and the engine
// needs the sender for Send/Retry.
func (e *SyncEngine) SetSender(s *Sender) {
	e.sender = s
	s.SetNotify(e.afterUpsert)
}

// Start seeds the conversation index, opens the push channel and starts
// the poll scheduler.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.loadConversations(e.ctx); err != nil {
		e.logger.WithError(err).Warn("Initial conversation load failed, continuing with empty index")
	}

	if err := e.poller.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pushMgr.Connect(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.WithError(err).Error("Push connection loop exited")
		}
	}()

	e.wg.Add(1)
	go e.consumeLoop()

	e.registry.SetGauge(metrics.MetricGaugeConversations, float64(e.idx.Len()))
	e.logger.Info("Sync engine started")
	return nil
}

// Stop shuts the engine down: the push channel, the poll scheduler and
// the consume loop stop, in-flight sends settle, and the active window
// is flushed to the cache.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	activeID := e.activeID
	e.mu.Unlock()

	e.pushMgr.Disconnect("engine stopping")
	e.poller.Stop()
	cancel()
	e.wg.Wait()
	if e.sender != nil {
		e.sender.Wait()
	}

	if activeID != "" && e.store != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := e.store.Put(flushCtx, activeID, e.rec.Snapshot(activeID)); err != nil {
			e.logger.WithError(err).Warn("Final cache flush failed")
		}
	}
	e.logger.Info("Sync engine stopped")
}

// SetActiveConversation switches the focused conversation: the poll
// scheduler retargets, a cold window is seeded from the cache, and the
// unread counter resets locally with a fire-and-forget remote reset.
func (e *SyncEngine) SetActiveConversation(ctx context.Context, conversationID string) {
	e.mu.Lock()
	e.activeID = conversationID
	e.mu.Unlock()

	e.poller.SetActive(conversationID)
	if conversationID == "" {
		return
	}

	if e.store != nil {
		if cached, ok := e.store.Get(ctx, conversationID); ok {
			e.rec.SeedFromCache(conversationID, cached)
			e.registry.IncrCounter(metrics.MetricCacheHits)
		} else {
			e.registry.IncrCounter(metrics.MetricCacheMisses)
		}
	}

	contactID := e.idx.ResetUnread(conversationID)
	if contactID != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			resetCtx, cancel := context.WithTimeout(e.engineCtx(), 10*time.Second)
			defer cancel()
			if err := e.client.ResetUnread(resetCtx, contactID); err != nil {
				e.logger.WithError(err).WithField("contactId", contactID).Warn("Remote unread reset failed")
			}
		}()
	}
}

// ActiveConversation returns the focused conversation id, if any.
func (e *SyncEngine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

// ActiveMessages returns the canonical ordered sequence of the focused
// conversation.
func (e *SyncEngine) ActiveMessages() []models.Message {
	id := e.ActiveConversation()
	if id == "" {
		return nil
	}
	return e.rec.Snapshot(id)
}

// Messages returns the canonical ordered sequence of any conversation.
func (e *SyncEngine) Messages(conversationID string) []models.Message {
	return e.rec.Snapshot(conversationID)
}

// Conversations returns the sorted conversation list.
func (e *SyncEngine) Conversations() []models.Conversation {
	return e.idx.List()
}

// Send enqueues an optimistic message into the given conversation.
// Delivery runs on the engine context, not the caller's: a dropped HTTP
// request must not abort an in-flight send.
func (e *SyncEngine) Send(ctx context.Context, conversationID string, content OutgoingContent) *models.Message {
	return e.sender.Enqueue(e.engineCtx(), conversationID, content)
}

// Retry re-issues a failed send.
func (e *SyncEngine) Retry(ctx context.Context, messageID string) error {
	return e.sender.Retry(e.engineCtx(), messageID)
}

// SetPinned toggles a conversation's pin, promoting it above unpinned
// conversations in the list.
func (e *SyncEngine) SetPinned(conversationID string, pinned bool) {
	e.idx.SetPinned(conversationID, pinned)
}

// Disconnect tears down the push channel on user request. The state
// goes terminal; polling continues for the active conversation.
func (e *SyncEngine) Disconnect() {
	e.pushMgr.Disconnect("user requested")
}

// Reconnect resets the push channel's retry budget. This is the only
// way out of the manual_disconnect and max_retries_exceeded states.
func (e *SyncEngine) Reconnect() {
	// After a manual disconnect the connection loop is gone and has to
	// be restarted; after exhausted retries it is parked and only needs
	// the wake-up signal.
	if e.pushMgr.State() == push.StateManualDisconnect {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.pushMgr.Connect(e.engineCtx()); err != nil && e.engineCtx().Err() == nil {
				e.logger.WithError(err).Error("Push reconnect failed")
			}
		}()
		return
	}
	e.pushMgr.Reconnect()
}

// StatusSnapshot assembles the engine status for the HTTP surface.
func (e *SyncEngine) StatusSnapshot(ctx context.Context) Status {
	e.mu.Lock()
	activeID := e.activeID
	lastPoll := e.lastPollAt
	e.mu.Unlock()

	st := Status{
		ConnectionState:  string(e.pushMgr.State()),
		ActiveID:         activeID,
		Conversations:    e.idx.Len(),
		PendingReactions: e.rec.PendingReactionCount(),
		LastPollAt:       lastPoll,
	}
	if e.store != nil {
		if n, err := e.store.EntryCount(ctx); err == nil {
			st.CacheEntries = n
		}
		if total, err := e.store.TotalSize(ctx); err == nil {
			st.CacheBytes = total
		}
	}
	return st
}

// PollCursor implements PollSink: the newest known timestamp for the
// conversation is the since parameter of the next fetch.
func (e *SyncEngine) PollCursor(conversationID string) int64 {
	e.mu.Lock()
	e.lastPollAt = time.Now().UnixMilli()
	e.mu.Unlock()
	return e.rec.LastTimestamp(conversationID)
}

// ApplyPollBatch implements PollSink: a poll response merges through the
// reconciler, then the index and cache reflect the outcome.
func (e *SyncEngine) ApplyPollBatch(conversationID string, rows []chatapi.RawMessage) {
	results := e.rec.IngestBatch(rows, models.SourcePoll)

	merged := 0
	for _, res := range results {
		if res.Message == nil {
			e.registry.IncrCounter(metrics.MetricRecordsDropped)
			continue
		}
		if !res.Created {
			merged++
			e.registry.IncrCounter(metrics.MetricDedupMerges)
		}
		e.recordActivity(res.Message, res.Created)
	}
	if merged > 0 {
		e.logger.WithFields(logrus.Fields{
			"conversationId": conversationID,
			"merged":         merged,
			"fetched":        len(rows),
		}).Debug("Poll batch reconciled")
	}

	e.persist(conversationID)
}

func (e *SyncEngine) consumeLoop() {
	defer e.wg.Done()

	sweep := time.NewTicker(e.reactionSweep)
	defer sweep.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-e.pushMgr.Frames():
			if !ok {
				return
			}
			e.registry.IncrCounter(metrics.MetricPushFrames)
			e.handleFrame(frame)
		case state := <-e.pushMgr.Status():
			if state == push.StateReconnecting {
				e.registry.IncrCounter(metrics.MetricPushReconnects)
			}
			e.logger.WithField("state", state).Info("Push channel state changed")
		case <-sweep.C:
			e.rec.SweepReactions()
			e.registry.SetGauge(metrics.MetricGaugePendingReactions, float64(e.rec.PendingReactionCount()))
		}
	}
}

// handleFrame dispatches one push envelope. Unknown envelope types and
// malformed payloads are logged and skipped; the channel keeps flowing.
func (e *SyncEngine) handleFrame(frame []byte) {
	var env chatapi.PushEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		e.logger.WithError(err).Warn("Discarding unparseable push frame")
		e.registry.IncrCounter(metrics.MetricRecordsDropped)
		return
	}

	switch env.Type {
	case chatapi.EnvelopeNewMessage:
		var raw chatapi.RawMessage
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			e.logger.WithError(err).Warn("Discarding malformed new_message payload")
			e.registry.IncrCounter(metrics.MetricRecordsDropped)
			return
		}
		res := e.rec.Ingest(raw, models.SourcePush)
		if res.Message == nil {
			return
		}
		if !res.Created {
			e.registry.IncrCounter(metrics.MetricDedupMerges)
		}
		e.recordActivity(res.Message, res.Created)
		e.persist(res.Message.ConversationID)

	case chatapi.EnvelopeStatusUpdate:
		var upd chatapi.StatusUpdate
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			e.logger.WithError(err).Warn("Discarding malformed status_update payload")
			return
		}
		if m := e.rec.SetStatus(upd.ConversationID, upd.MessageID, deliveryStatus(upd.Status)); m != nil {
			e.persist(upd.ConversationID)
		}

	case chatapi.EnvelopeAssignmentUpdate:
		var upd chatapi.AssignmentUpdate
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			e.logger.WithError(err).Warn("Discarding malformed assignment_update payload")
			return
		}
		e.idx.SetAssignee(upd.ConversationID, upd.Assignee, upd.UpdatedAt)

	case chatapi.EnvelopeTagsUpdate:
		var upd chatapi.TagsUpdate
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			e.logger.WithError(err).Warn("Discarding malformed tags_update payload")
			return
		}
		e.idx.SetTags(upd.ConversationID, upd.Tags, upd.UpdatedAt)

	case chatapi.EnvelopeError:
		var serverErr chatapi.ServerError
		if err := json.Unmarshal(env.Payload, &serverErr); err == nil {
			e.logger.WithFields(logrus.Fields{
				"code":    serverErr.Code,
				"message": serverErr.Message,
			}).Warn("Server error on push channel")
		}

	default:
		e.logger.WithField("type", env.Type).Debug("Ignoring unknown push envelope type")
	}
}

// afterUpsert is the sender's notify callback: every optimistic
// transition is reflected into the index and the cache immediately.
func (e *SyncEngine) afterUpsert(conversationID string, m *models.Message, created bool) {
	e.recordActivity(m, created)
	e.persist(conversationID)
}

func (e *SyncEngine) recordActivity(m *models.Message, created bool) {
	active := e.ActiveConversation() == m.ConversationID
	e.idx.RecordMessage(m.ConversationID, m.Timestamp, m.FromMe, active, created)
	e.registry.SetGauge(metrics.MetricGaugeConversations, float64(e.idx.Len()))
}

func (e *SyncEngine) persist(conversationID string) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.engineCtx(), 5*time.Second)
	defer cancel()
	if err := e.store.Put(ctx, conversationID, e.rec.Snapshot(conversationID)); err != nil {
		e.logger.WithError(err).WithField("conversationId", conversationID).Warn("Cache write failed")
	}
}

func (e *SyncEngine) loadConversations(ctx context.Context) error {
	rows, err := e.client.FetchConversations(ctx)
	if err != nil {
		return err
	}

	conversations := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conversations = append(conversations, models.Conversation{
			ID:               row.ID,
			ContactID:        row.ContactID,
			Name:             row.Name,
			Pinned:           row.Pinned,
			Unread:           row.Unread,
			Tags:             row.Tags,
			Assignee:         row.Assignee,
			LastMessageAt:    row.LastMessageAt,
			ContactUpdatedAt: row.UpdatedAt,
		})
	}
	e.idx.Load(conversations)
	e.logger.WithField("count", len(conversations)).Info("Conversation index loaded")
	return nil
}

// engineCtx returns the run context, or Background before Start. Keeps
// late callers (sends during shutdown) from panicking on a nil context.
func (e *SyncEngine) engineCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

func deliveryStatus(s string) models.DeliveryStatus {
	switch s {
	case string(models.DeliveryStatusPending):
		return models.DeliveryStatusPending
	case string(models.DeliveryStatusFailed):
		return models.DeliveryStatusFailed
	default:
		return models.DeliveryStatusSent
	}
}
