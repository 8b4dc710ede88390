package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

const latestSnapshotKey = "latest.json"

// multipartThreshold is the journal export size above which the upload is
// split into parts.
const multipartThreshold = 8 << 20

// Archive stores state snapshots and journal exports in object storage.
//
// Key layout under prefix:
//
//	snapshots/2025-01-31/state-1738300000.json
//	snapshots/latest.json
//	journal/2025-01.jsonl
type Archive struct {
	store          domain.BlobStore
	journal        domain.JournalStore
	prefix         string
	multipartAbove int
}

// NewArchive creates an Archive. journal may be nil, in which case
// ArchiveJournal is a no-op. A non-empty prefix gets a trailing slash.
func NewArchive(store domain.BlobStore, journal domain.JournalStore, prefix string) *Archive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{store: store, journal: journal, prefix: prefix, multipartAbove: multipartThreshold}
}

// UploadSnapshot writes data under a timestamped key and refreshes the
// latest pointer. It returns the timestamped key.
func (a *Archive) UploadSnapshot(ctx context.Context, at time.Time, data []byte) (string, error) {
	path := a.snapshotPath(at)
	if err := a.store.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: upload snapshot: %w", err)
	}
	if err := a.store.Put(ctx, a.prefix+"snapshots/"+latestSnapshotKey, bytes.NewReader(data), "application/json"); err != nil {
		return path, fmt.Errorf("s3blob: upload latest snapshot: %w", err)
	}
	return path, nil
}

// LatestSnapshot returns the most recently uploaded snapshot. It returns
// domain.ErrNotFound if none was ever uploaded.
func (a *Archive) LatestSnapshot(ctx context.Context) ([]byte, error) {
	rc, err := a.store.Get(ctx, a.prefix+"snapshots/"+latestSnapshotKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read latest snapshot: %w", err)
	}
	return data, nil
}

// PruneSnapshots deletes timestamped snapshots older than before. The latest
// pointer is never deleted.
func (a *Archive) PruneSnapshots(ctx context.Context, before time.Time) (int, error) {
	infos, err := a.store.List(ctx, a.prefix+"snapshots/")
	if err != nil {
		return 0, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	n := 0
	for _, info := range infos {
		if info.Path == a.prefix+"snapshots/"+latestSnapshotKey || !info.LastModified.Before(before) {
			continue
		}
		if err := a.store.Delete(ctx, info.Path); err != nil {
			return n, fmt.Errorf("s3blob: prune snapshot: %w", err)
		}
		n++
	}
	return n, nil
}

// ArchiveJournal exports journal rows created before the cutoff to a JSONL
// object partitioned by the cutoff's year-month. Rows are not deleted from
// the journal.
func (a *Archive) ArchiveJournal(ctx context.Context, before time.Time) (int64, error) {
	if a.journal == nil {
		return 0, nil
	}
	entries, err := a.journal.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive journal query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive journal marshal: %w", err)
	}

	path := fmt.Sprintf("%sjournal/%s.jsonl", a.prefix, before.UTC().Format("2006-01"))
	if len(buf) > a.multipartAbove {
		err = a.store.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.store.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive journal upload: %w", err)
	}
	return int64(len(entries)), nil
}

func (a *Archive) snapshotPath(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%ssnapshots/%s/state-%d.json", a.prefix, at.Format("2006-01-02"), at.Unix())
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
