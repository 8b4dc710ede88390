package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

type memArchive struct {
	latest []byte
	paths  []string
}

func (a *memArchive) UploadSnapshot(_ context.Context, at time.Time, data []byte) (string, error) {
	a.latest = append([]byte(nil), data...)
	p := "snapshots/" + at.Format("20060102T150405Z") + ".json"
	a.paths = append(a.paths, p)
	return p, nil
}

func (a *memArchive) LatestSnapshot(context.Context) ([]byte, error) {
	if a.latest == nil {
		return nil, domain.ErrNotFound
	}
	return a.latest, nil
}

func TestSnapshot_ExportImportMergeOnly(t *testing.T) {
	ctx := context.Background()
	src, _ := newStore(t)
	openPosition(t, src, "M1", 10, t0)
	openPosition(t, src, "M2", 20, t0)
	require.NoError(t, src.AddIgnored(ctx, "GONE"))

	path := filepath.Join(t.TempDir(), "state", "positions.json")
	archive := &memArchive{}
	exp := NewSnapshotService(src, archive, path, 0, discardLogger())
	exp.now = func() time.Time { return t0 }

	loc, err := exp.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/20260102T030405Z.json", loc)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, snapshotVersion, snap.Version)
	assert.Len(t, snap.Positions, 2)
	assert.Equal(t, []string{"GONE"}, snap.Ignored)

	// The target already holds a live M1 with different runtime state.
	dst, _ := newStore(t)
	openPosition(t, dst, "M1", 3, t0)
	imp := NewSnapshotService(dst, nil, "", 0, discardLogger())

	rep, err := imp.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Created: 1, Skipped: 1, Ignored: 1}, rep)

	m1, err := dst.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, m1.Quantity, "live record must not be overwritten")
	m2, err := dst.GetPosition(ctx, "M2")
	require.NoError(t, err)
	assert.Equal(t, 20.0, m2.Quantity)
	ignored, err := dst.IsIgnored(ctx, "GONE")
	require.NoError(t, err)
	assert.True(t, ignored)
}

func TestSnapshot_ImportLatestFromArchive(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	archive := &memArchive{}
	svc := NewSnapshotService(store, archive, "", 0, discardLogger())

	_, err := svc.ImportLatest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	data, err := json.Marshal(Snapshot{Version: 1, Ignored: []string{"X"}})
	require.NoError(t, err)
	archive.latest = data
	rep, err := svc.ImportLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Ignored)
}

func TestSnapshot_RejectsNewerVersion(t *testing.T) {
	store, _ := newStore(t)
	svc := NewSnapshotService(store, nil, "", 0, discardLogger())
	_, err := svc.Import(context.Background(), []byte(`{"version": 99}`))
	assert.Error(t, err)
}
