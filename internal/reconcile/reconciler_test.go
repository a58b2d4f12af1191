package reconcile

import (
	"fmt"
	"testing"
	"time"

	"convsync/internal/models"
	"convsync/pkg/chatapi"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(Options{}, logger)
}

func textRow(id, convID, body string, ts int64) chatapi.RawMessage {
	return chatapi.RawMessage{
		ID:             id,
		ConversationID: convID,
		Kind:           "text",
		Body:           body,
		Timestamp:      ts,
	}
}

func TestIngest_PushThenPollSameID(t *testing.T) {
	r := newTestReconciler(t)

	res := r.Ingest(textRow("m1", "c1", "hello", 1700000000000), models.SourcePush)
	require.NotNil(t, res.Message)
	assert.True(t, res.Created)

	res = r.Ingest(textRow("m1", "c1", "hello", 1700000000000), models.SourcePoll)
	require.NotNil(t, res.Message)
	assert.False(t, res.Created)

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Equal(t, "hello", snapshot[0].Body)
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	r := newTestReconciler(t)

	row := textRow("m1", "c1", "hello", 1700000000000)
	for i := 0; i < 10; i++ {
		r.Ingest(row, models.SourcePoll)
	}

	assert.Len(t, r.Snapshot("c1"), 1)
}

func TestIngest_NearDuplicateMergesAcrossChannels(t *testing.T) {
	r := newTestReconciler(t)

	// The same logical message seen through two channels that do not
	// share ids: same author, same body, timestamps within the epsilon.
	a := textRow("push-1", "c1", "same text", 1700000000000)
	b := textRow("poll-9", "c1", "Same Text  ", 1700000000400)
	b.Author = a.Author

	r.Ingest(a, models.SourcePush)
	res := r.Ingest(b, models.SourcePoll)

	assert.False(t, res.Created)
	assert.Len(t, r.Snapshot("c1"), 1)
}

func TestIngest_SameBodyOutsideEpsilonStaysSeparate(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(textRow("m1", "c1", "ok", 1700000000000), models.SourcePoll)
	r.Ingest(textRow("m2", "c1", "ok", 1700000005000), models.SourcePoll)

	assert.Len(t, r.Snapshot("c1"), 2)
}

func TestIngest_MalformedRecordDroppedBatchContinues(t *testing.T) {
	r := newTestReconciler(t)

	rows := []chatapi.RawMessage{
		textRow("m1", "c1", "first", 1700000001000),
		{ID: "bad", Kind: "text", Body: "no conversation"},
		textRow("m2", "c1", "second", 1700000002000),
	}
	results := r.IngestBatch(rows, models.SourcePoll)

	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Message)
	assert.Nil(t, results[1].Message)
	assert.NotNil(t, results[2].Message)
	assert.Len(t, r.Snapshot("c1"), 2)
}

func TestIngest_UnknownKindDegradesToText(t *testing.T) {
	r := newTestReconciler(t)

	res := r.Ingest(chatapi.RawMessage{
		ID:             "m1",
		ConversationID: "c1",
		Kind:           "hologram",
		Body:           "future payload",
		Timestamp:      1700000000000,
	}, models.SourcePush)

	require.NotNil(t, res.Message)
	assert.Equal(t, models.KindText, res.Message.Kind)
	assert.Equal(t, "future payload", res.Message.Body)
}

func TestIngest_LocationWithBadCoordinatesDegradesToText(t *testing.T) {
	r := newTestReconciler(t)

	res := r.Ingest(chatapi.RawMessage{
		ID:             "m1",
		ConversationID: "c1",
		Kind:           "location",
		Body:           "meet here",
		Latitude:       "not-a-number",
		Longitude:      "13.4",
		Timestamp:      1700000000000,
	}, models.SourcePush)

	require.NotNil(t, res.Message)
	assert.Equal(t, models.KindText, res.Message.Kind)
	assert.Nil(t, res.Message.Location)
}

func TestIngest_SecondPrecisionTimestampScaled(t *testing.T) {
	r := newTestReconciler(t)

	res := r.Ingest(textRow("m1", "c1", "hello", 1700000000), models.SourcePush)
	require.NotNil(t, res.Message)
	assert.Equal(t, int64(1700000000000), res.Message.Timestamp)
}

func TestIngest_OrderingByTimestampThenArrival(t *testing.T) {
	r := newTestReconciler(t)

	rows := []chatapi.RawMessage{
		textRow("m3", "c1", "third", 1700000003000),
		textRow("m1", "c1", "first", 1700000001000),
		textRow("m2", "c1", "second", 1700000002000),
	}
	r.IngestBatch(rows, models.SourcePoll)

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 3)
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Equal(t, "m2", snapshot[1].ID)
	assert.Equal(t, "m3", snapshot[2].ID)
}

func TestIngest_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	r := newTestReconciler(t)

	ts := int64(1700000000000)
	for i := 0; i < 5; i++ {
		r.Ingest(textRow(fmt.Sprintf("m%d", i), "c1", fmt.Sprintf("body %d", i), ts), models.SourcePush)
	}

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), snapshot[i].ID)
	}
}

func TestConfirmSend_SwapsIdentityInPlace(t *testing.T) {
	r := newTestReconciler(t)

	stub := &models.Message{
		TempID:         "temp_abc",
		ConversationID: "c1",
		Kind:           models.KindText,
		Body:           "optimistic",
		FromMe:         true,
		Timestamp:      1700000000000,
		Status:         models.DeliveryStatusPending,
	}
	res := r.IngestLocal(stub)
	require.True(t, res.Created)

	m := r.ConfirmSend("c1", "temp_abc", "srv_42", 0)
	require.NotNil(t, m)
	assert.Equal(t, "srv_42", m.ID)
	assert.Equal(t, "temp_abc", m.TempID)
	assert.Equal(t, models.DeliveryStatusSent, m.Status)
	assert.Equal(t, "optimistic", m.Body)

	// Still exactly one entry, reachable by either identity. A second
	// confirmation does not rewrite the server id.
	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	again := r.ConfirmSend("c1", "temp_abc", "srv_other", 0)
	require.NotNil(t, again)
	assert.Equal(t, "srv_42", again.ID)
	assert.Equal(t, "srv_42", r.Snapshot("c1")[0].ID)
}

func TestResultsAreDetachedFromCanonicalState(t *testing.T) {
	r := newTestReconciler(t)

	res := r.IngestLocal(&models.Message{
		TempID:         "temp_det",
		ConversationID: "c1",
		Kind:           models.KindText,
		Body:           "detached",
		FromMe:         true,
		Timestamp:      1700000000000,
		Status:         models.DeliveryStatusPending,
	})
	require.NotNil(t, res.Message)

	// The returned record is a copy: a later canonical transition does
	// not reach through it, and writes to it do not reach the window.
	confirmed := r.ConfirmSend("c1", "temp_det", "srv_det", 0)
	require.NotNil(t, confirmed)
	assert.Equal(t, models.DeliveryStatusPending, res.Message.Status)
	assert.Empty(t, res.Message.ID)

	confirmed.Body = "scribbled"
	assert.Equal(t, "detached", r.Snapshot("c1")[0].Body)
}

func TestConfirmSend_UnknownTempIDReturnsNil(t *testing.T) {
	r := newTestReconciler(t)
	assert.Nil(t, r.ConfirmSend("c1", "temp_missing", "srv_1", 0))
}

func TestConfirmSend_ServerTimestampResorts(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(textRow("m1", "c1", "earlier", 1700000005000), models.SourcePush)
	r.IngestLocal(&models.Message{
		TempID:         "temp_1",
		ConversationID: "c1",
		Kind:           models.KindText,
		Body:           "mine",
		FromMe:         true,
		Timestamp:      1700000001000,
		Status:         models.DeliveryStatusPending,
	})

	m := r.ConfirmSend("c1", "temp_1", "srv_1", 1700000009000)
	require.NotNil(t, m)

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 2)
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Equal(t, "srv_1", snapshot[1].ID)
}

func TestFailSend_RetainsErrorUntilRetry(t *testing.T) {
	r := newTestReconciler(t)

	r.IngestLocal(&models.Message{
		TempID:         "temp_1",
		ConversationID: "c1",
		Kind:           models.KindText,
		Body:           "doomed",
		FromMe:         true,
		Timestamp:      1700000000000,
		Status:         models.DeliveryStatusPending,
	})

	m := r.FailSend("c1", "temp_1", "connection refused")
	require.NotNil(t, m)
	assert.Equal(t, models.DeliveryStatusFailed, m.Status)
	assert.Equal(t, "connection refused", m.SendError)

	m = r.MarkPending("c1", "temp_1")
	require.NotNil(t, m)
	assert.Equal(t, models.DeliveryStatusPending, m.Status)
	assert.Empty(t, m.SendError)
}

func TestMerge_PollRowConfirmsOptimisticEntry(t *testing.T) {
	r := newTestReconciler(t)

	r.IngestLocal(&models.Message{
		TempID:         "temp_1",
		ConversationID: "c1",
		Kind:           models.KindText,
		Body:           "sent by me",
		FromMe:         true,
		Timestamp:      1700000000000,
		Status:         models.DeliveryStatusPending,
	})

	// The send confirmation was lost; the poll later returns the same
	// message under its server id.
	row := textRow("srv_9", "c1", "sent by me", 1700000000300)
	row.FromMe = true
	res := r.Ingest(row, models.SourcePoll)

	assert.False(t, res.Created)
	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "srv_9", snapshot[0].ID)
	assert.Equal(t, "temp_1", snapshot[0].TempID)
	assert.Equal(t, models.DeliveryStatusSent, snapshot[0].Status)
}

func TestReaction_AttachesToExistingTarget(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(textRow("m1", "c1", "hello", 1700000000000), models.SourcePush)
	res := r.Ingest(chatapi.RawMessage{
		ID:             "r1",
		ConversationID: "c1",
		Kind:           "reaction",
		ReactionEmoji:  "👍",
		TargetID:       "m1",
		Author:         "alice",
		Timestamp:      1700000001000,
	}, models.SourcePush)

	// Reactions never appear as entries.
	assert.Nil(t, res.Message)

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	require.Len(t, snapshot[0].Reactions, 1)
	assert.Equal(t, "👍", snapshot[0].Reactions[0].Emoji)
}

func TestReaction_BufferedUntilTargetArrives(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(chatapi.RawMessage{
		ID:             "r1",
		ConversationID: "c1",
		Kind:           "reaction",
		ReactionEmoji:  "❤️",
		TargetID:       "m1",
		Author:         "bob",
		Timestamp:      1700000001000,
	}, models.SourcePush)

	assert.Equal(t, 1, r.PendingReactionCount())
	assert.Empty(t, r.Snapshot("c1"))

	r.Ingest(textRow("m1", "c1", "late target", 1700000000000), models.SourcePoll)

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	require.Len(t, snapshot[0].Reactions, 1)
	assert.Equal(t, "❤️", snapshot[0].Reactions[0].Emoji)
	assert.Equal(t, 0, r.PendingReactionCount())
}

func TestReaction_SameAuthorReplacesPrevious(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(textRow("m1", "c1", "hello", 1700000000000), models.SourcePush)
	for _, emoji := range []string{"👍", "😂"} {
		r.Ingest(chatapi.RawMessage{
			ConversationID: "c1",
			Kind:           "reaction",
			ReactionEmoji:  emoji,
			TargetID:       "m1",
			Author:         "alice",
			Timestamp:      1700000001000,
		}, models.SourcePush)
	}

	snapshot := r.Snapshot("c1")
	require.Len(t, snapshot, 1)
	require.Len(t, snapshot[0].Reactions, 1)
	assert.Equal(t, "😂", snapshot[0].Reactions[0].Emoji)
}

func TestReaction_WithoutTargetDropped(t *testing.T) {
	r := newTestReconciler(t)

	r.Ingest(chatapi.RawMessage{
		ConversationID: "c1",
		Kind:           "reaction",
		ReactionEmoji:  "👍",
		Timestamp:      1700000001000,
	}, models.SourcePush)

	assert.Equal(t, 0, r.PendingReactionCount())
}

func TestSweepReactions_DropsExpired(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := New(Options{ReactionTTL: 10 * time.Millisecond}, logger)

	r.Ingest(chatapi.RawMessage{
		ConversationID: "c1",
		Kind:           "reaction",
		ReactionEmoji:  "👍",
		TargetID:       "never-arrives",
		Timestamp:      1700000001000,
	}, models.SourcePush)
	require.Equal(t, 1, r.PendingReactionCount())

	time.Sleep(20 * time.Millisecond)
	dropped := r.SweepReactions()

	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, r.PendingReactionCount())
}

func TestSeedFromCache_OnlySeedsEmptyWindow(t *testing.T) {
	r := newTestReconciler(t)

	cached := []models.Message{
		{ID: "m1", ConversationID: "c1", Kind: models.KindText, Body: "old", Timestamp: 1700000001000},
		{ID: "m2", ConversationID: "c1", Kind: models.KindText, Body: "older", Timestamp: 1700000002000},
	}
	r.SeedFromCache("c1", cached)
	assert.Len(t, r.Snapshot("c1"), 2)

	// A second seed must not duplicate or clobber live state.
	r.SeedFromCache("c1", cached)
	assert.Len(t, r.Snapshot("c1"), 2)
}

func TestLastTimestamp(t *testing.T) {
	r := newTestReconciler(t)

	assert.Zero(t, r.LastTimestamp("c1"))
	r.Ingest(textRow("m1", "c1", "a", 1700000001000), models.SourcePush)
	r.Ingest(textRow("m2", "c1", "b", 1700000005000), models.SourcePush)
	assert.Equal(t, int64(1700000005000), r.LastTimestamp("c1"))
}
