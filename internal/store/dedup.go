package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupStore records processed message ids so redelivered stock.received
// commands are not applied twice.
type DedupStore struct {
	db          *sql.DB
	ttl         time.Duration
	logger      *zap.Logger
	cleanupDone chan struct{}
}

type DedupConfig struct {
	MessageTTL      time.Duration // How long to keep message records
	CleanupInterval time.Duration // How often to run cleanup
}

func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		MessageTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

func NewDedupStore(db *sql.DB, config *DedupConfig, logger *zap.Logger) *DedupStore {
	if config == nil {
		config = DefaultDedupConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &DedupStore{
		db:          db,
		ttl:         config.MessageTTL,
		logger:      logger,
		cleanupDone: make(chan struct{}),
	}

	go store.startCleanup(config.CleanupInterval)

	return store
}

func (s *DedupStore) Stop() {
	close(s.cleanupDone)
}

func (s *DedupStore) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupDone:
			s.logger.Debug("dedup cleanup stopped")
			return
		case <-ticker.C:
			count, err := s.CleanupExpired(context.Background())
			if err != nil {
				s.logger.Warn("failed to cleanup expired messages", zap.Error(err))
			} else if count > 0 {
				s.logger.Info("cleaned up expired message records", zap.Int("count", count))
			}
		}
	}
}

// TryProcess claims messageID. It returns false when the id was already
// claimed and still within its TTL.
func (s *DedupStore) TryProcess(ctx context.Context, messageID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_messages (message_id, event_type, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
			SET event_type = EXCLUDED.event_type,
			    processed_at = NOW(),
			    expires_at = EXCLUDED.expires_at
			WHERE processed_messages.expires_at < NOW()
	`
	res, err := s.db.ExecContext(ctx, query, messageID, eventType, time.Now().Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to mark message as processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release forgets messageID so a failed message can be retried.
func (s *DedupStore) Release(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

func (s *DedupStore) CleanupExpired(ctx context.Context) (int, error) {
	query := `
		DELETE FROM processed_messages WHERE expires_at < NOW()
	`
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired messages: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (s *DedupStore) GetStats(ctx context.Context) (*DedupStats, error) {
	stats := &DedupStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at < NOW())
		FROM processed_messages
	`).Scan(&stats.TotalCount, &stats.ExpiredCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) as count
		FROM processed_messages
		GROUP BY event_type
		ORDER BY event_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.ByEventType = append(stats.ByEventType, EventTypeCount{
			EventType: eventType,
			Count:     count,
		})
	}

	return stats, rows.Err()
}

type DedupStats struct {
	TotalCount   int              `json:"total_count"`
	ExpiredCount int              `json:"expired_count"`
	ByEventType  []EventTypeCount `json:"by_event_type"`
}

type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}
