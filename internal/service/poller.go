package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convsync/internal/metrics"
	"convsync/internal/tracing"
	"convsync/pkg/chatapi"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// PollSink consumes poll results. The engine implements it; the poller
// itself never touches canonical state.
type PollSink interface {
	// PollCursor returns the last known timestamp for the conversation,
	// the "since" value for the next fetch.
	PollCursor(conversationID string) int64
	// ApplyPollBatch hands a poll response to the reconciler.
	ApplyPollBatch(conversationID string, rows []chatapi.RawMessage)
}

// Poller is the timer-driven fallback fetch for the active conversation.
// It runs alongside the push channel on purpose: deliberate redundancy
// against missed push events.
type Poller struct {
	client   chatapi.Client
	sink     PollSink
	interval time.Duration
	timeout  time.Duration
	registry *metrics.Registry
	logger   *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	mu       sync.Mutex
	activeID string
	inflight map[string]bool
}

func NewPoller(client chatapi.Client, sink PollSink, interval, timeout time.Duration, registry *metrics.Registry, logger *logrus.Logger) *Poller {
	return &Poller{
		client:   client,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		registry: registry,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Start begins the background polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("poller is already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go p.pollLoop()

	p.logger.WithField("interval", p.interval).Info("Poll scheduler started")
	return nil
}

// Stop gracefully stops the polling loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("Poll scheduler stopped")
}

// SetActive switches the polled conversation. An empty id pauses
// polling. Any in-flight fetch for the previous conversation keeps
// running but its result is dropped on arrival.
func (p *Poller) SetActive(conversationID string) {
	p.mu.Lock()
	p.activeID = conversationID
	p.mu.Unlock()
}

// Active returns the currently polled conversation id.
func (p *Poller) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	p.mu.Lock()
	id := p.activeID
	if id == "" {
		p.mu.Unlock()
		return
	}
	// Single-flight per conversation: a tick whose predecessor has not
	// completed is skipped, not queued. The reconciler is idempotent, so
	// any overlap that still slips through is harmless.
	if p.inflight[id] {
		p.mu.Unlock()
		p.registry.IncrCounter(metrics.MetricPollSkipped)
		p.logger.WithField("conversationId", id).Debug("Skipping poll tick, previous fetch in flight")
		return
	}
	p.inflight[id] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.fetch(id)
}

func (p *Poller) fetch(conversationID string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, conversationID)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "poll.fetch",
		attribute.String("conversation.id", conversationID))
	defer span.End()

	since := p.sink.PollCursor(conversationID)
	rows, err := p.client.FetchMessagesSince(ctx, conversationID, since)
	p.registry.IncrCounter(metrics.MetricPollFetches)
	if err != nil {
		tracing.RecordError(ctx, err)
		p.logger.WithError(err).WithField("conversationId", conversationID).Warn("Poll fetch failed")
		return
	}

	// Staleness guard: the user may have switched conversations while
	// the fetch was in flight. A stale result is discarded, never
	// applied to the new active conversation's state.
	if p.Active() != conversationID {
		p.registry.IncrCounter(metrics.MetricPollStaleDropped)
		p.logger.WithField("conversationId", conversationID).Debug("Dropping stale poll result")
		return
	}

	if len(rows) > 0 {
		p.sink.ApplyPollBatch(conversationID, rows)
	}
}
