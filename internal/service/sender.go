package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "convsync/internal/errors"
	"convsync/internal/metrics"
	"convsync/internal/models"
	"convsync/internal/reconcile"
	"convsync/internal/retry"
	"convsync/internal/tracing"
	"convsync/pkg/chatapi"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// OutgoingContent is what the presentation layer hands to Send.
type OutgoingContent struct {
	Kind     models.MessageKind `json:"kind"`
	Body     string             `json:"body,omitempty"`
	Caption  string             `json:"caption,omitempty"`
	MediaURL string             `json:"mediaUrl,omitempty"`
	MimeType string             `json:"mimetype,omitempty"`
	FileName string             `json:"filename,omitempty"`
}

// pendingSend retains what is needed to re-issue a failed send.
type pendingSend struct {
	conversationID string
	content        OutgoingContent
}

// Sender is the optimistic send pipeline. Enqueue materializes a pending
// message immediately; the remote write happens in the background and
// resolves the same record to sent or failed, never a second record.
type Sender struct {
	client   chatapi.Client
	rec      *reconcile.Reconciler
	backoff  *retry.Backoff
	timeout  time.Duration
	registry *metrics.Registry
	logger   *logrus.Logger
	errLog   *apperrors.Logger

	// notify tells the engine a canonical entry changed, so the index
	// and cache reflect it.
	notify func(conversationID string, m *models.Message, created bool)

	mu      sync.Mutex
	pending map[string]pendingSend
	wg      sync.WaitGroup
}

func NewSender(client chatapi.Client, rec *reconcile.Reconciler, backoff *retry.Backoff, timeout time.Duration, registry *metrics.Registry, logger *logrus.Logger) *Sender {
	return &Sender{
		client:   client,
		rec:      rec,
		backoff:  backoff,
		timeout:  timeout,
		registry: registry,
		logger:   logger,
		errLog:   apperrors.NewLogger(),
		notify:   func(string, *models.Message, bool) {},
		pending:  make(map[string]pendingSend),
	}
}

// SetNotify registers the engine callback for canonical-state changes.
func (s *Sender) SetNotify(notify func(conversationID string, m *models.Message, created bool)) {
	s.notify = notify
}

// Enqueue inserts a pending message into the canonical window and kicks
// off the remote write. The returned message is the live pending record;
// the conversation moves to the top of the index before the server
// confirms anything.
func (s *Sender) Enqueue(ctx context.Context, conversationID string, content OutgoingContent) *models.Message {
	if content.Kind == "" {
		content.Kind = models.KindText
	}

	m := &models.Message{
		TempID:         fmt.Sprintf("temp_%s", uuid.NewString()),
		ConversationID: conversationID,
		Kind:           content.Kind,
		Body:           content.Body,
		FromMe:         true,
		Timestamp:      time.Now().UnixMilli(),
		Status:         models.DeliveryStatusPending,
	}
	if content.MediaURL != "" {
		m.Media = &models.MediaPayload{
			URL:      content.MediaURL,
			MimeType: content.MimeType,
			Caption:  content.Caption,
			FileName: content.FileName,
		}
		if m.Body == "" {
			m.Body = content.Caption
		}
	}

	res := s.rec.IngestLocal(m)
	s.notify(conversationID, res.Message, res.Created)
	s.registry.IncrCounter(metrics.MetricSendsEnqueued)
	s.logger.WithFields(logrus.Fields{
		"conversationId": conversationID,
		"tempId":         m.TempID,
		"kind":           content.Kind,
	}).Debug("Queued outgoing message")

	s.mu.Lock()
	s.pending[m.TempID] = pendingSend{conversationID: conversationID, content: content}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.deliver(ctx, conversationID, m.TempID, content)

	return res.Message
}

// Retry re-enters a failed message into pending and re-issues the remote
// write. Unknown ids are rejected; a message is only retryable while its
// send context is retained.
func (s *Sender) Retry(ctx context.Context, messageID string) error {
	s.mu.Lock()
	ps, ok := s.pending[messageID]
	s.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "no retryable send for message").
			WithContext("message_id", messageID)
	}

	m := s.rec.MarkPending(ps.conversationID, messageID)
	if m == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "message not present in window").
			WithContext("message_id", messageID)
	}
	s.notify(ps.conversationID, m, false)

	s.wg.Add(1)
	go s.deliver(ctx, ps.conversationID, messageID, ps.content)
	return nil
}

// Wait blocks until all in-flight deliveries settle. Used in shutdown
// and tests.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func (s *Sender) deliver(ctx context.Context, conversationID, tempID string, content OutgoingContent) {
	defer s.wg.Done()

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sendCtx, span := tracing.StartSpan(sendCtx, "send.deliver",
		attribute.String("conversation.id", conversationID),
		attribute.String("message.kind", string(content.Kind)))
	defer span.End()

	req := chatapi.SendRequest{
		ConversationID: conversationID,
		Body:           content.Body,
		Caption:        content.Caption,
		MediaURL:       content.MediaURL,
		MimeType:       content.MimeType,
		FileName:       content.FileName,
	}

	var resp *chatapi.SendResponse
	err := s.backoff.Retry(sendCtx, func() error {
		var sendErr error
		resp, sendErr = s.client.Send(sendCtx, string(content.Kind), req)
		if sendErr != nil {
			return sendErr
		}
		// A resp with Success=false is a definitive rejection, not a
		// transport error; it is handled below without further attempts.
		return nil
	})

	if err == nil && resp != nil && resp.Success {
		m := s.rec.ConfirmSend(conversationID, tempID, resp.MessageID, 0)
		if m != nil {
			s.notify(conversationID, m, false)
		}
		s.registry.IncrCounter(metrics.MetricSendsConfirmed)

		s.mu.Lock()
		delete(s.pending, tempID)
		if m != nil && m.ID != "" {
			// Failed sends are retried by temp id; once confirmed the
			// entry needs no retry context under either id.
			delete(s.pending, m.ID)
		}
		s.mu.Unlock()
		return
	}

	reason := "send timed out"
	if err != nil {
		reason = err.Error()
	} else if resp != nil && resp.Error != "" {
		reason = resp.Error
	} else if resp != nil && !resp.Success {
		reason = "server rejected message"
	}

	failure := apperrors.NewSendFailure(conversationID, fmt.Errorf("%s", reason))
	tracing.RecordError(sendCtx, failure)
	s.errLog.LogRetryableError(failure, "Send failed, message marked for retry", logrus.Fields{
		"conversationId": conversationID,
		"tempId":         tempID,
	})

	m := s.rec.FailSend(conversationID, tempID, reason)
	if m != nil {
		s.notify(conversationID, m, false)
	}
	s.registry.IncrCounter(metrics.MetricSendsFailed)
}
