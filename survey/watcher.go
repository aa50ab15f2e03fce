package survey

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	journalPrefix = "Journal."
	journalSuffix = ".log"
)

type WatcherConfig struct {
	Dir          string
	PollInterval time.Duration
	// ClosedPollEvery re-checks drained, rotated-out files once every N cycles.
	ClosedPollEvery int
	// MaxBatchBytes caps one read per file per cycle.
	MaxBatchBytes int64
	Debug         bool
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClosedPollEvery <= 0 {
		c.ClosedPollEvery = 30
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 4 << 20
	}
	return c
}

type PollStats struct {
	Files      int
	Lines      int
	Accepted   int
	Ignored    int
	Rejected   int
	Duplicates int
	Resets     int
	Commits    int
}

func (s PollStats) String() string {
	return fmt.Sprintf("files=%d lines=%d accepted=%d ignored=%d rejected=%d duplicates=%d resets=%d commits=%d",
		s.Files, s.Lines, s.Accepted, s.Ignored, s.Rejected, s.Duplicates, s.Resets, s.Commits)
}

// Watcher tails a journal directory into the store. It is driven by polling only.
type Watcher struct {
	store    *Store
	cfg      WatcherConfig
	notifier *Notifier
	cycle    int

	// beforeBookmark runs inside the ingest transaction after events are
	// inserted and before the bookmark moves. Tests use it to inject failures.
	beforeBookmark func(fileID string) error
}

func NewWatcher(store *Store, cfg WatcherConfig, notifier *Notifier) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("journal dir is required")
	}
	return &Watcher{store: store, cfg: cfg.withDefaults(), notifier: notifier}, nil
}

func (w *Watcher) debugf(format string, args ...any) {
	if w == nil || !w.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Run polls until ctx is cancelled. A commit in flight when ctx is cancelled still completes.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("watching %s every %s", w.cfg.Dir, w.cfg.PollInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		stats, err := w.PollOnce(ctx)
		if err != nil {
			log.Printf("warn: poll: %v", err)
		} else if stats.Commits > 0 {
			w.debugf("poll: %s", stats)
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

type journalFile struct {
	id   string
	path string
}

// FileIdentity derives the stable id of a journal file from its name:
// the creation timestamp and part number, without the directory.
func FileIdentity(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, journalPrefix) || !strings.HasSuffix(base, journalSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(base, journalPrefix), journalSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

func listJournals(dir string) ([]journalFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]journalFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := FileIdentity(e.Name())
		if !ok {
			continue
		}
		files = append(files, journalFile{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })
	return files, nil
}

// PollOnce runs one cycle over the directory. Per-file failures are logged and
// retried next cycle; only a failure to list the directory is returned.
func (w *Watcher) PollOnce(ctx context.Context) (PollStats, error) {
	ctx, span := tracer.Start(ctx, "watcher.poll")
	defer span.End()

	var stats PollStats
	w.cycle++
	files, err := listJournals(w.cfg.Dir)
	if err != nil {
		span.RecordError(err)
		return stats, wrapErr(CategoryTransient, "list journals", err)
	}
	marks, err := w.store.Bookmarks(ctx)
	if err != nil {
		return stats, err
	}
	for i, f := range files {
		if ctx.Err() != nil {
			break
		}
		active := i == len(files)-1
		b, known := marks[f.id]
		if known && b.Closed && !active && w.cycle%w.cfg.ClosedPollEvery != 0 {
			continue
		}
		stats.Files++
		if err := w.pollFile(ctx, f, b, known, active, &stats); err != nil {
			log.Printf("warn: journal %s: %v", f.id, err)
		}
	}
	span.SetAttributes(
		attribute.Int("files", stats.Files),
		attribute.Int("accepted", stats.Accepted),
		attribute.Int("rejected", stats.Rejected),
	)
	return stats, nil
}

type lineEvent struct {
	ev     DomainEvent
	offset int64
}

func (w *Watcher) pollFile(ctx context.Context, f journalFile, b Bookmark, known bool, active bool, stats *PollStats) error {
	ctx, span := tracer.Start(ctx, "watcher.file", trace.WithAttributes(
		attribute.String("file_id", f.id),
		attribute.Bool("active", active),
	))
	defer span.End()

	fh, err := os.Open(f.path)
	if err != nil {
		return wrapErr(CategoryTransient, "open", err)
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return wrapErr(CategoryTransient, "stat", err)
	}
	size := info.Size()

	dirty := !known
	if !known {
		b = Bookmark{FileID: f.id}
	}
	if b.Path != f.path {
		b.Path = f.path
		dirty = true
	}

	if reason := headMismatch(fh, b, size); reason != "" {
		log.Printf("warn: journal %s: %s (offset %d, size %d); rereading from start", f.id, reason, b.Offset, size)
		b.Offset, b.HeadLen, b.HeadHash, b.Closed = 0, 0, "", false
		b.Resets++
		stats.Resets++
		dirty = true
	}
	if active && b.Closed {
		b.Closed = false
		dirty = true
	}

	var (
		batch  []byte
		events []lineEvent
	)
	if size > b.Offset {
		batch, err = readBatch(fh, b.Offset, size, w.cfg.MaxBatchBytes)
		if err != nil {
			return wrapErr(CategoryTransient, "read", err)
		}
	}
	if len(batch) > 0 {
		if b.Offset == 0 && b.HeadLen == 0 {
			head := batch[:bytes.IndexByte(batch, '\n')+1]
			sum := sha256.Sum256(head)
			b.HeadLen = len(head)
			b.HeadHash = hex.EncodeToString(sum[:])
		}
		off := b.Offset
		for len(batch) > 0 {
			n := bytes.IndexByte(batch, '\n') + 1
			line := batch[:n]
			batch = batch[n:]
			stats.Lines++
			ex := Extract(line)
			switch ex.Outcome {
			case OutcomeAccepted:
				stats.Accepted++
				events = append(events, lineEvent{ev: *ex.Event, offset: off})
			case OutcomeIgnored:
				stats.Ignored++
			case OutcomeRejected:
				stats.Rejected++
				log.Printf("warn: journal %s offset %d: rejected: %s", f.id, off, ex.Reason)
			}
			off += int64(n)
		}
		b.Offset = off
		dirty = true
	}
	if !active && !b.Closed && b.Offset == size {
		b.Closed = true
		dirty = true
		w.debugf("journal %s drained; closed", f.id)
	}
	if !dirty {
		return nil
	}

	now := time.Now().UTC()
	b.SizeBytes = size
	b.LastReadAt = now
	inserted := 0
	// The commit must not be abandoned half way because the watcher is shutting down.
	err = w.store.Write(context.WithoutCancel(ctx), "ingest "+f.id, func(tx *gorm.DB) error {
		inserted = 0
		for _, le := range events {
			rec := le.ev.record(f.id, le.offset, now)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				inserted++
			}
			// Events already stored by an import still move the context.
			if err := RecordContext(tx, le.ev); err != nil {
				return err
			}
		}
		if w.beforeBookmark != nil {
			if err := w.beforeBookmark(f.id); err != nil {
				return err
			}
		}
		return upsert(tx, &b)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	stats.Commits++
	stats.Duplicates += len(events) - inserted
	w.debugf("journal %s: offset=%d size=%d events=%d new=%d", f.id, b.Offset, size, len(events), inserted)
	if len(events) > 0 {
		w.notifier.Notify()
	}
	return nil
}

// headMismatch reports why the bookmark no longer describes this file, or "".
func headMismatch(fh *os.File, b Bookmark, size int64) string {
	if b.Offset > size {
		return "truncated"
	}
	if b.HeadLen <= 0 || b.HeadHash == "" {
		return ""
	}
	if int64(b.HeadLen) > size {
		return "truncated"
	}
	head := make([]byte, b.HeadLen)
	if _, err := fh.ReadAt(head, 0); err != nil {
		return ""
	}
	sum := sha256.Sum256(head)
	if hex.EncodeToString(sum[:]) != b.HeadHash {
		return "replaced"
	}
	return ""
}

// readBatch returns complete lines starting at offset. A trailing partial line
// is held back. A single line longer than limit is read whole.
func readBatch(fh *os.File, offset, size, limit int64) ([]byte, error) {
	n := size - offset
	if n > limit {
		n = limit
	}
	buf, err := io.ReadAll(io.NewSectionReader(fh, offset, n))
	if err != nil {
		return nil, err
	}
	cut := bytes.LastIndexByte(buf, '\n')
	if cut < 0 && int64(len(buf)) < size-offset {
		buf, err = io.ReadAll(io.NewSectionReader(fh, offset, size-offset))
		if err != nil {
			return nil, err
		}
		cut = bytes.LastIndexByte(buf, '\n')
	}
	if cut < 0 {
		return nil, nil
	}
	return buf[:cut+1], nil
}
