// Package ratelimit gates LLM usage with a rolling 24-hour token window.
//
// The durable record is an append-only ledger; the window is recomputed from
// it at read time and never mutated in place. Two concurrent requests from
// the same user can both pass CheckLimit before either records usage; the
// ledger may exceed the limit by one in-flight request's worth of tokens.
// That eventual-consistency window is accepted rather than serializing all
// requests per user.
package ratelimit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"querychat/dbpool"
)

const windowSeconds = 24 * 60 * 60

// Status is the result of a limit check.
type Status struct {
	Allowed         bool    `json:"allowed"`
	UsageTokens     int64   `json:"usage_tokens"`
	LimitTokens     int64   `json:"limit_tokens"`
	UsagePercent    float64 `json:"usage_percent"`
	RemainingTokens int64   `json:"remaining_tokens"`
	// ResetsInSeconds is only meaningful when not allowed: seconds until the
	// oldest in-window entry ages out.
	ResetsInSeconds int64 `json:"resets_in_seconds"`
	Warning         bool  `json:"warning"`
}

// Service owns the usage ledger.
type Service struct {
	mu      sync.Mutex
	db      *sql.DB
	limit   int64
	warnPct int
	logf    func(string)
	now     func() time.Time
}

// NewService opens (or creates) the ledger database at path.
func NewService(dbm *dbpool.DBManager, path string, tokenLimit int64, warnThresholdPct int, logf func(string)) (*Service, error) {
	if logf == nil {
		logf = func(string) {}
	}
	if warnThresholdPct <= 0 {
		warnThresholdPct = 80
	}

	db, err := dbm.Open(dbpool.OpenOptions{Engine: dbpool.EngineSQLite, Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage ledger: %v", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_user_time
		ON usage_ledger (user_id, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to index usage ledger: %v", err)
	}

	return &Service{
		db:      db,
		limit:   tokenLimit,
		warnPct: warnThresholdPct,
		logf:    logf,
		now:     time.Now,
	}, nil
}

// CheckLimit computes the rolling-window status for a user. Admission is
// strict: usage equal to the limit is already denied.
func (s *Service) CheckLimit(userID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	cutoff := now - windowSeconds

	var usage int64
	var oldest sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0), MIN(created_at)
		 FROM usage_ledger WHERE user_id = ? AND created_at > ?`,
		userID, cutoff,
	).Scan(&usage, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage window: %v", err)
	}

	st := &Status{
		UsageTokens: usage,
		LimitTokens: s.limit,
		Allowed:     usage < s.limit,
	}
	if s.limit > 0 {
		st.UsagePercent = float64(usage) / float64(s.limit) * 100
		if st.UsagePercent > 100 {
			st.UsagePercent = 100
		}
	}
	st.Warning = st.UsagePercent >= float64(s.warnPct)
	if remaining := s.limit - usage; remaining > 0 {
		st.RemainingTokens = remaining
	}
	if !st.Allowed && oldest.Valid {
		if resets := oldest.Int64 + windowSeconds - now; resets > 0 {
			st.ResetsInSeconds = resets
		}
	}
	return st, nil
}

// RecordUsage appends one ledger row with the current timestamp. Prior rows
// are never touched.
func (s *Service) RecordUsage(userID string, inputTokens, outputTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO usage_ledger (user_id, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?)`,
		userID, inputTokens, outputTokens, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %v", err)
	}
	return nil
}

// Close releases the ledger database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
