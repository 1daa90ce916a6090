package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
)

// DBPool abstracts pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL implementation of schemas.VectorStore and
// schemas.VerdictStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect builds a pgx pool from the configuration and returns a store
// backed by it.
func Connect(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	st, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// SaveVectors upserts the given embedding vectors. The fragment content hash
// is the primary key, so re-saving an unchanged fragment is a no-op update.
func (s *Store) SaveVectors(ctx context.Context, vectors []schemas.EmbeddingVector) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	sql := `
        INSERT INTO embedding_vectors (fragment_id, file, start_line, end_line, content_hash, disposition, vector, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (fragment_id) DO UPDATE SET
            file = EXCLUDED.file,
            start_line = EXCLUDED.start_line,
            end_line = EXCLUDED.end_line,
            disposition = EXCLUDED.disposition,
            vector = EXCLUDED.vector,
            updated_at = EXCLUDED.updated_at;
    `
	for _, v := range vectors {
		batch.Queue(sql,
			v.FragmentID, v.Fragment.File, v.Fragment.StartLine, v.Fragment.EndLine,
			v.Fragment.ContentHash, string(v.Disposition), v.Values, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range vectors {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert vector %s (index %d): %w", vectors[i].FragmentID, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadVectors reads every stored vector, in stable insertion order, for
// hydrating the in-memory index at startup.
func (s *Store) LoadVectors(ctx context.Context) ([]schemas.EmbeddingVector, error) {
	query := `
        SELECT fragment_id, file, start_line, end_line, content_hash, disposition, vector
        FROM embedding_vectors
        ORDER BY updated_at ASC, fragment_id ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var vectors []schemas.EmbeddingVector
	for rows.Next() {
		var v schemas.EmbeddingVector
		var disposition string
		err := rows.Scan(
			&v.FragmentID, &v.Fragment.File, &v.Fragment.StartLine, &v.Fragment.EndLine,
			&v.Fragment.ContentHash, &disposition, &v.Values,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		v.Disposition = schemas.Disposition(disposition)
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return vectors, nil
}

// DeleteVectors removes vectors by fragment identifier. Missing identifiers
// are ignored.
func (s *Store) DeleteVectors(ctx context.Context, fragmentIDs []string) error {
	if len(fragmentIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM embedding_vectors WHERE fragment_id = ANY($1);`, fragmentIDs)
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// SetDisposition records an analyst label for a fragment.
func (s *Store) SetDisposition(ctx context.Context, fragmentID string, d schemas.Disposition) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE embedding_vectors SET disposition = $1, updated_at = $2 WHERE fragment_id = $3;`,
		string(d), time.Now().UTC(), fragmentID)
	if err != nil {
		return fmt.Errorf("failed to update disposition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no stored vector for fragment %s", fragmentID)
	}
	return nil
}

// SaveVerdicts persists a triage run and its verdicts for trend reporting.
func (s *Store) SaveVerdicts(ctx context.Context, report *schemas.TriageReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO triage_runs (run_id, source_root, started_at, finished_at) VALUES ($1, $2, $3, $4);`,
		report.RunID, report.SourceRoot, report.StartedAt.UTC(), report.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(report.Verdicts) > 0 {
		rows := make([][]interface{}, len(report.Verdicts))
		for i, v := range report.Verdicts {
			rows[i] = []interface{}{
				report.RunID, v.FindingID, v.RuleID,
				v.Location.File, v.Location.StartLine,
				v.Score.Value, string(v.Classification), v.ObservedAt.UTC(),
			}
		}
		copyCount, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"triage_verdicts"},
			[]string{"run_id", "finding_id", "rule_id", "file", "start_line", "confidence", "classification", "observed_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy verdicts: %w", err)
		}
		if int(copyCount) != len(report.Verdicts) {
			return fmt.Errorf("mismatch in copied verdict count: expected %d, got %d", len(report.Verdicts), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RuleTrend aggregates verdict history for one rule across runs.
type RuleTrend struct {
	RuleID        string
	Total         int
	TruePositive  int
	FalsePositive int
	ManualReview  int
}

// GetRuleTrends summarizes classifications per rule over the trailing
// window, newest runs first feeding the aggregate.
func (s *Store) GetRuleTrends(ctx context.Context, since time.Time) ([]RuleTrend, error) {
	query := `
        SELECT rule_id,
               COUNT(*),
               COUNT(*) FILTER (WHERE classification = 'likely-true-positive'),
               COUNT(*) FILTER (WHERE classification = 'likely-false-positive'),
               COUNT(*) FILTER (WHERE classification = 'needs-manual-review')
        FROM triage_verdicts
        WHERE observed_at >= $1
        GROUP BY rule_id
        ORDER BY rule_id ASC;
    `
	rows, err := s.pool.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query rule trends: %w", err)
	}
	defer rows.Close()

	var trends []RuleTrend
	for rows.Next() {
		var t RuleTrend
		if err := rows.Scan(&t.RuleID, &t.Total, &t.TruePositive, &t.FalsePositive, &t.ManualReview); err != nil {
			return nil, fmt.Errorf("failed to scan trend row: %w", err)
		}
		trends = append(trends, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return trends, nil
}
