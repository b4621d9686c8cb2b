package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xKirisame/hokori/internal/analysis"
	"github.com/0xKirisame/hokori/internal/snapshot"
)

// AnalysisSummary is the headline of one stored analysis run.
type AnalysisSummary struct {
	AnalysisDate  time.Time
	AccountID     string
	ThresholdDays int
	UnusedCount   int
	Admins        int
	Powerusers    int
	ReadOnly      int
	Warnings      int
}

// SaveSnapshot stores a captured snapshot.
func (db *DB) SaveSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	captured := s.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO snapshots (account_id, captured_at, data) VALUES (?, ?, ?)`,
		s.AccountID, captured.Unix(), string(data),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot for account %s: %w", s.AccountID, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for accountID, or for any
// account when accountID is empty. It returns (nil, false, nil) when none is stored.
func (db *DB) LatestSnapshot(ctx context.Context, accountID string) (*snapshot.Snapshot, bool, error) {
	query := `SELECT data FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT 1`
	args := []any{}
	if accountID != "" {
		query = `SELECT data FROM snapshots WHERE account_id = ? ORDER BY captured_at DESC, id DESC LIMIT 1`
		args = append(args, accountID)
	}

	var data string
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying latest snapshot: %w", err)
	}

	s, err := snapshot.Decode(strings.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached snapshot: %w", err)
	}
	return s, true, nil
}

// PurgeSnapshots deletes snapshots captured before the cutoff. The newest
// snapshot of each account is always kept.
func (db *DB) PurgeSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE captured_at < ?
		  AND id NOT IN (
		      SELECT s.id FROM snapshots s
		      WHERE s.id = (
		          SELECT s2.id FROM snapshots s2
		          WHERE s2.account_id = s.account_id
		          ORDER BY s2.captured_at DESC, s2.id DESC
		          LIMIT 1
		      )
		  )`,
		before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging old snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveAnalysisResult appends an analysis report to the history.
func (db *DB) SaveAnalysisResult(ctx context.Context, r *analysis.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling analysis report: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO analysis_results
		 (analysis_date, account_id, threshold_days, unused_count, admins, powerusers, read_only, warnings, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GeneratedAt.Unix(), r.AccountID, r.ThresholdDays,
		r.Unused.Total(),
		len(r.Classification.Admins),
		len(r.Classification.Powerusers.Users),
		len(r.Classification.ReadOnly),
		len(r.Warnings),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("saving analysis report: %w", err)
	}
	return nil
}

// GetLatestAnalysisResult returns the most recent report for accountID, or for
// any account when accountID is empty.
func (db *DB) GetLatestAnalysisResult(ctx context.Context, accountID string) (*analysis.Report, bool, error) {
	query := `SELECT report FROM analysis_results ORDER BY analysis_date DESC, id DESC LIMIT 1`
	args := []any{}
	if accountID != "" {
		query = `SELECT report FROM analysis_results WHERE account_id = ? ORDER BY analysis_date DESC, id DESC LIMIT 1`
		args = append(args, accountID)
	}

	var data string
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying latest analysis: %w", err)
	}

	var r analysis.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, false, fmt.Errorf("unmarshaling analysis report: %w", err)
	}
	return &r, true, nil
}

// ListAnalysisSummaries returns up to limit stored runs, newest first.
func (db *DB) ListAnalysisSummaries(ctx context.Context, limit int) ([]AnalysisSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT analysis_date, account_id, threshold_days, unused_count, admins, powerusers, read_only, warnings
		FROM analysis_results
		ORDER BY analysis_date DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying analysis history: %w", err)
	}
	defer rows.Close()

	var out []AnalysisSummary
	for rows.Next() {
		var s AnalysisSummary
		var ts int64
		if err := rows.Scan(&ts, &s.AccountID, &s.ThresholdDays, &s.UnusedCount, &s.Admins, &s.Powerusers, &s.ReadOnly, &s.Warnings); err != nil {
			return nil, err
		}
		s.AnalysisDate = time.Unix(ts, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}
