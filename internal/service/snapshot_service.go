package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// snapshotVersion is bumped when the file layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is the durable export of the shared state.
type Snapshot struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Positions  []domain.Position `json:"positions"`
	Ignored    []string          `json:"ignored"`
}

// SnapshotArchive stores snapshots off-host.
type SnapshotArchive interface {
	UploadSnapshot(ctx context.Context, at time.Time, data []byte) (string, error)
	LatestSnapshot(ctx context.Context) ([]byte, error)
}

// ImportReport summarises a merge-only import.
type ImportReport struct {
	Created int
	Skipped int
	Ignored int
}

// SnapshotService exports the state store to a file (and optionally an
// archive) and restores it without overwriting live records.
type SnapshotService struct {
	store    domain.StateStore
	archive  SnapshotArchive
	path     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotService creates a SnapshotService. archive may be nil; an
// empty path disables the local file.
func NewSnapshotService(store domain.StateStore, archive SnapshotArchive, path string, interval time.Duration, logger *slog.Logger) *SnapshotService {
	return &SnapshotService{
		store:    store,
		archive:  archive,
		path:     path,
		interval: interval,
		logger:   logger.With(slog.String("component", "snapshot_service")),
		now:      time.Now,
	}
}

// Run exports on every interval until ctx is done, with a final export on
// shutdown.
func (s *SnapshotService) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if _, err := s.Export(fctx); err != nil {
				s.logger.Warn("snapshot_service: final export failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Export(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "snapshot_service: export failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Build reads the current state into a Snapshot.
func (s *SnapshotService) Build(ctx context.Context) (Snapshot, error) {
	positions, err := s.store.GetAllActivePositions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot_service: list positions: %w", err)
	}
	ignored, err := s.store.ListIgnored(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot_service: list ignored: %w", err)
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	if ignored == nil {
		ignored = []string{}
	}
	return Snapshot{
		Version:    snapshotVersion,
		ExportedAt: s.now().UTC(),
		Positions:  positions,
		Ignored:    ignored,
	}, nil
}

// Export writes a snapshot to the local file and uploads it to the archive.
// It returns the archive path, or the file path when no archive is set.
func (s *SnapshotService) Export(ctx context.Context) (string, error) {
	snap, err := s.Build(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("snapshot_service: marshal: %w", err)
	}

	location := ""
	if s.path != "" {
		if err := writeFileAtomic(s.path, data); err != nil {
			return "", fmt.Errorf("snapshot_service: write %s: %w", s.path, err)
		}
		location = s.path
	}
	if s.archive != nil {
		p, err := s.archive.UploadSnapshot(ctx, snap.ExportedAt, data)
		if err != nil {
			return location, fmt.Errorf("snapshot_service: upload: %w", err)
		}
		location = p
	}

	s.logger.InfoContext(ctx, "snapshot_service: exported",
		slog.Int("positions", len(snap.Positions)),
		slog.Int("ignored", len(snap.Ignored)),
		slog.String("location", location),
	)
	return location, nil
}

// writeFileAtomic replaces path with data so that readers never observe a
// partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ImportFile restores the snapshot stored at path.
func (s *SnapshotService) ImportFile(ctx context.Context, path string) (ImportReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportReport{}, fmt.Errorf("snapshot_service: read %s: %w", path, err)
	}
	return s.Import(ctx, data)
}

// ImportLatest restores the most recent archived snapshot.
func (s *SnapshotService) ImportLatest(ctx context.Context) (ImportReport, error) {
	if s.archive == nil {
		return ImportReport{}, fmt.Errorf("snapshot_service: no archive configured")
	}
	data, err := s.archive.LatestSnapshot(ctx)
	if err != nil {
		return ImportReport{}, fmt.Errorf("snapshot_service: fetch latest: %w", err)
	}
	return s.Import(ctx, data)
}

// Import merges a snapshot into the store: absent positions are created,
// live ones are left untouched, ignored instruments are added.
func (s *SnapshotService) Import(ctx context.Context, data []byte) (ImportReport, error) {
	var rep ImportReport
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return rep, fmt.Errorf("snapshot_service: decode: %w", err)
	}
	if snap.Version > snapshotVersion {
		return rep, fmt.Errorf("snapshot_service: unsupported snapshot version %d", snap.Version)
	}

	for _, pos := range snap.Positions {
		if pos.Mint == "" {
			rep.Skipped++
			continue
		}
		pos.IsActive = true
		err := s.store.CreatePosition(ctx, pos)
		switch {
		case err == nil:
			rep.Created++
		case errors.Is(err, domain.ErrAlreadyExists):
			rep.Skipped++
		default:
			return rep, fmt.Errorf("snapshot_service: create %s: %w", pos.Mint, err)
		}
	}
	for _, mint := range snap.Ignored {
		if err := s.store.AddIgnored(ctx, mint); err != nil {
			return rep, fmt.Errorf("snapshot_service: ignore %s: %w", mint, err)
		}
		rep.Ignored++
	}

	s.logger.InfoContext(ctx, "snapshot_service: imported",
		slog.Int("created", rep.Created),
		slog.Int("skipped", rep.Skipped),
		slog.Int("ignored", rep.Ignored),
		slog.Time("exported_at", snap.ExportedAt),
	)
	return rep, nil
}
