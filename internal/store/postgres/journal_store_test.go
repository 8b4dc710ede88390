package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestBuildJournalQuery_NoFilters(t *testing.T) {
	q, args := buildJournalQuery(domain.ListOpts{})
	assert.NotContains(t, q, "LIMIT")
	assert.True(t, strings.HasSuffix(q, "ORDER BY created_at DESC, id DESC"))
	assert.Empty(t, args)
}

func TestBuildJournalQuery_AllFilters(t *testing.T) {
	since := time.Unix(1700000000, 0)
	until := since.Add(time.Hour)
	q, args := buildJournalQuery(domain.ListOpts{
		Mint:   "M1",
		Since:  &since,
		Until:  &until,
		Limit:  10,
		Offset: 20,
	})

	assert.Contains(t, q, "mint = $1")
	assert.Contains(t, q, "created_at >= $2")
	assert.Contains(t, q, "created_at <= $3")
	assert.Contains(t, q, "LIMIT $4")
	assert.Contains(t, q, "OFFSET $5")
	assert.Equal(t, []any{"M1", since, until, 10, 20}, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/journal?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "journal"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit"}))
	assert.Equal(t, "postgres://bot:p%40ss%2Fword@db:6543/journal?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, User: "bot", Password: "p@ss/word", Database: "journal", SSLMode: "require"}))
}

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("SELECT 2")},
		"migrations/001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/README.md": {Data: []byte("notes")},
		"migrations/003_c.sql": {Data: []byte("SELECT 3")},
	}
	got, err := pendingMigrations(fsys, []string{"002_b.sql"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "003_c.sql"}, got)

	embedded, err := pendingMigrations(migrationsFS, nil)
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_trade_journal.sql", "002_journal_event_sig.sql"}, embedded)
}
