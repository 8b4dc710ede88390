package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// JournalStore implements domain.JournalStore using PostgreSQL. Rows are
// never updated or deleted.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a new JournalStore backed by the given connection pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Log appends a journal entry. The detail map is stored as JSONB. A
// duplicate (event, signature) pair is silently dropped.
func (s *JournalStore) Log(ctx context.Context, entry domain.JournalEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal journal detail: %w", err)
	}

	const query = `INSERT INTO trade_journal (event, mint, signature, detail)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`
	_, err = s.pool.Exec(ctx, query, entry.Event, entry.Mint, entry.Signature, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log journal event %s: %w", entry.Event, err)
	}
	return nil
}

// List returns journal entries newest first with pagination and optional
// mint and time filtering.
func (s *JournalStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.JournalEntry, error) {
	query, args := buildJournalQuery(opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.Event, &e.Mint, &e.Signature, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan journal entry: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal journal detail: %w", err)
			}
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list journal entries rows: %w", err)
	}
	return entries, nil
}

func buildJournalQuery(opts domain.ListOpts) (string, []any) {
	query := `SELECT id, event, mint, signature, detail, created_at FROM trade_journal WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Mint != "" {
		query += fmt.Sprintf(" AND mint = $%d", argIdx)
		args = append(args, opts.Mint)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface check.
var _ domain.JournalStore = (*JournalStore)(nil)
