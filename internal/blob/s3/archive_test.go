package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlob struct {
	objects   map[string][]byte
	mtime     map[string]time.Time
	now       time.Time
	multipart int
}

func newMemBlob(now time.Time) *memBlob {
	return &memBlob{objects: map[string][]byte{}, mtime: map[string]time.Time{}, now: now}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.mtime[path] = m.now
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v)), LastModified: m.mtime[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlob) Delete(_ context.Context, path string) error {
	delete(m.objects, path)
	delete(m.mtime, path)
	return nil
}

type memJournal struct{ entries []domain.JournalEntry }

func (j *memJournal) Log(_ context.Context, e domain.JournalEntry) error {
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) List(_ context.Context, opts domain.ListOpts) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	for _, e := range j.entries {
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func TestArchive_SnapshotRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	blob := newMemBlob(at)
	a := NewArchive(blob, nil, "bot/")
	ctx := context.Background()

	_, err := a.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	path, err := a.UploadSnapshot(ctx, at, []byte(`{"positions":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "bot/snapshots/2025-01-31/state-1738324800.json", path)

	data, err := a.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"positions":[]}`, string(data))
}

func TestArchive_PruneKeepsLatest(t *testing.T) {
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	blob := newMemBlob(old)
	a := NewArchive(blob, nil, "")
	ctx := context.Background()

	_, err := a.UploadSnapshot(ctx, old, []byte(`{}`))
	require.NoError(t, err)

	n, err := a.PruneSnapshots(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Contains(t, blob.objects, "snapshots/latest.json")
}

func TestArchive_Journal(t *testing.T) {
	cutoff := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	j := &memJournal{entries: []domain.JournalEntry{
		{Event: "buy_confirmed", Mint: "M1", CreatedAt: cutoff.Add(-time.Hour)},
		{Event: "sell_confirmed", Mint: "M1", CreatedAt: cutoff.Add(time.Hour)},
	}}
	blob := newMemBlob(cutoff)
	a := NewArchive(blob, j, "")

	n, err := a.ArchiveJournal(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	body := string(blob.objects["journal/2025-02.jsonl"])
	assert.Equal(t, 1, strings.Count(body, "\n"))
	assert.Contains(t, body, "buy_confirmed")
	assert.Zero(t, blob.multipart)
}

func TestArchive_LargeJournalUsesMultipart(t *testing.T) {
	cutoff := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	j := &memJournal{entries: []domain.JournalEntry{
		{Event: "buy_confirmed", Mint: "M1", CreatedAt: cutoff.Add(-time.Hour)},
	}}
	blob := newMemBlob(cutoff)
	a := NewArchive(blob, j, "bot")
	a.multipartAbove = 10

	n, err := a.ArchiveJournal(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, blob.multipart)
	assert.Contains(t, blob.objects, "bot/journal/2025-02.jsonl")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
