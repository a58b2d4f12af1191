package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"convsync/internal/constants"
	apperrors "convsync/internal/errors"
	"convsync/internal/models"

	"github.com/sirupsen/logrus"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_cache (
	conversation_id TEXT PRIMARY KEY,
	payload         BLOB NOT NULL,
	size_bytes      INTEGER NOT NULL,
	written_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_cache_written_at ON message_cache(written_at);
CREATE INDEX IF NOT EXISTS idx_message_cache_expires_at ON message_cache(expires_at);
`

// Options bounds the store. Zero values fall back to the defaults in
// internal/constants.
type Options struct {
	TTL        time.Duration
	ByteBudget int64
	EntryCap   int
}

// Store is the bounded, TTL'd, compressed persistent cache: one entry per
// conversation holding its ordered message payload.
type Store struct {
	db        *sql.DB
	encryptor *encryptor
	logger    *logrus.Logger

	ttl        time.Duration
	byteBudget int64
	entryCap   int
}

// New opens (creating if needed) the cache database at path.
func New(path string, opts Options, logger *logrus.Logger) (*Store, error) {
	if len(path) == 0 || path[0] == '\x00' {
		return nil, fmt.Errorf("invalid cache path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping cache database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	if opts.TTL <= 0 {
		opts.TTL = constants.DefaultCacheTTLMin * time.Minute
	}
	if opts.ByteBudget <= 0 {
		opts.ByteBudget = constants.DefaultCacheByteBudget
	}
	if opts.EntryCap <= 0 {
		opts.EntryCap = constants.DefaultEntryMessageCap
	}

	return &Store{
		db:         db,
		encryptor:  enc,
		logger:     logger,
		ttl:        opts.TTL,
		byteBudget: opts.ByteBudget,
		entryCap:   opts.EntryCap,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists the ordered message list for a conversation, replacing any
// previous entry. The payload is capped to the newest entryCap messages,
// compressed and (optionally) encrypted. A write that would blow the byte
// budget triggers eviction; if the write still fails the payload is
// retried once at a degraded cap before giving up silently.
func (s *Store) Put(ctx context.Context, conversationID string, messages []models.Message) error {
	caps := []int{s.entryCap, constants.DegradedEntryMessageCap, constants.MinimumEntryMessageCap}

	var lastErr error
	for attempt, limit := range caps {
		payload, err := s.encode(capTail(messages, limit))
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeCacheWrite, "failed to encode cache payload")
		}

		err = s.write(ctx, conversationID, payload)
		if err == nil {
			return s.EvictIfOverBudget(ctx)
		}
		lastErr = err

		if attempt == 0 {
			// First failure: free space, then retry with a reduced payload.
			if evictErr := s.EvictIfOverBudget(ctx); evictErr != nil {
				s.logger.WithError(evictErr).Warn("Cache eviction failed during write retry")
			}
		}

		s.logger.WithError(err).WithFields(logrus.Fields{
			"conversationId": conversationID,
			"cap":            limit,
		}).Warn("Cache write failed, degrading payload cap")
	}

	// Out of retries. The cache is best effort, missing entries are
	// rebuilt from the network on the next fetch.
	s.logger.WithError(lastErr).WithField("conversationId", conversationID).Warn("Giving up on cache write")
	return nil
}

// Get returns the cached ordered message list, or ok=false on a miss.
// Expired, corrupt or unparseable entries are purged and reported as a
// miss, never as an error.
func (s *Store) Get(ctx context.Context, conversationID string) ([]models.Message, bool) {
	var payload []byte
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM message_cache WHERE conversation_id = ?`,
		conversationID,
	).Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.WithError(err).WithField("conversationId", conversationID).Warn("Cache read failed")
		return nil, false
	}

	if time.Now().UnixMilli() >= expiresAt {
		s.purge(ctx, conversationID)
		return nil, false
	}

	messages, err := s.decode(payload)
	if err != nil {
		s.logger.WithError(err).WithField("conversationId", conversationID).Warn("Purging corrupt cache entry")
		s.purge(ctx, conversationID)
		return nil, false
	}

	return messages, true
}

// Delete removes a conversation's entry.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_cache WHERE conversation_id = ?`, conversationID)
	return err
}

// TotalSize returns the summed payload size of all live entries.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM message_cache`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cache size: %w", err)
	}
	return total.Int64, nil
}

// EntryCount returns the number of cached conversations.
func (s *Store) EntryCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_cache`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// EvictIfOverBudget removes oldest-written entries until the summed
// payload size fits the byte budget.
func (s *Store) EvictIfOverBudget(ctx context.Context) error {
	total, err := s.TotalSize(ctx)
	if err != nil {
		return err
	}
	if total <= s.byteBudget {
		return nil
	}

	overBy := total - s.byteBudget
	s.logger.WithError(apperrors.NewQuotaExceededError(total, s.byteBudget)).
		Info("Cache over byte budget, evicting oldest entries")

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, size_bytes FROM message_cache ORDER BY written_at ASC`)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCacheRead, "failed to list entries for eviction")
	}

	var victims []string
	var freed int64
	for rows.Next() && freed < overBy {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			_ = rows.Close()
			return apperrors.Wrap(err, apperrors.ErrCodeCacheRead, "failed to scan eviction row")
		}
		victims = append(victims, id)
		freed += size
	}
	scanErr := rows.Err()
	// The cursor's read transaction must release before the deletes run;
	// sqlite otherwise blocks the writes against our own open cursor.
	if closeErr := rows.Close(); closeErr != nil {
		s.logger.WithError(closeErr).Warn("Failed to close eviction cursor")
	}
	if scanErr != nil {
		return apperrors.Wrap(scanErr, apperrors.ErrCodeCacheRead, "eviction cursor failed")
	}

	for _, id := range victims {
		if err := s.Delete(ctx, id); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeCacheWrite, "failed to evict entry").
				WithContext("conversation_id", id)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"evicted":     len(victims),
		"freed_bytes": freed,
	}).Info("Cache eviction completed")

	return nil
}

// PurgeExpired removes every entry past its expiry. Returns the number of
// purged entries.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_cache WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) write(ctx context.Context, conversationID string, payload []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_cache (conversation_id, payload, size_bytes, written_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			size_bytes = excluded.size_bytes,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at
	`, conversationID, payload, int64(len(payload)), now.UnixMilli(), now.Add(s.ttl).UnixMilli())
	return err
}

func (s *Store) purge(ctx context.Context, conversationID string) {
	if err := s.Delete(ctx, conversationID); err != nil {
		s.logger.WithError(err).WithField("conversationId", conversationID).Warn("Failed to purge cache entry")
	}
}

func (s *Store) encode(messages []models.Message) ([]byte, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}

	return s.encryptor.Seal(buf.Bytes())
}

func (s *Store) decode(payload []byte) ([]models.Message, error) {
	compressed, err := s.encryptor.Open(payload)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed payload: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("failed to close decompressor: %w", err)
	}

	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return messages, nil
}

// capTail keeps the newest max messages, preserving order.
func capTail(messages []models.Message, max int) []models.Message {
	if len(messages) <= max {
		return messages
	}
	return messages[len(messages)-max:]
}
