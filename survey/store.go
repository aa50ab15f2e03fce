package survey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var tracer = otel.Tracer("survey-logger/survey")

// WAL + synchronous=FULL: a commit returns only after its WAL frames are fsynced.
const dsnPragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"

// Store is the single durable store of one installation.
// Writers are serialized in-process; readers may run concurrently and see
// either the pre- or post-transaction state.
type Store struct {
	db      *gorm.DB
	path    string
	writeMu sync.Mutex
}

func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + dsnPragmas
	} else {
		dsn += "?" + dsnPragmas
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&Bookmark{}, &JournalEvent{}, &SurveyContext{}, &ProgressState{}, &Sample{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	// Rows written before tracks existed belong to the original single survey.
	if err := db.Model(&Sample{}).
		Where("survey_type IS NULL OR survey_type = ?", "").
		Update("survey_type", string(TrackRegularDensity)).Error; err != nil {
		return nil, fmt.Errorf("backfill survey_type: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

// DB exposes the read side. Mutations must go through Write.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

// Write runs fn inside one transaction. Either everything fn wrote is
// durable when Write returns nil, or nothing is.
func (s *Store) Write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, span := tracer.Start(ctx, "store.write")
	span.SetAttributes(attribute.String("op", op))
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.db == nil {
		return wrapErr(CategoryDurability, op, errors.New("store is closed"))
	}
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		span.RecordError(err)
		return wrapErr(CategoryDurability, op, err)
	}
	return nil
}

func (s *Store) Bookmarks(ctx context.Context) (map[string]Bookmark, error) {
	var rows []Bookmark
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapErr(CategoryTransient, "load bookmarks", err)
	}
	out := make(map[string]Bookmark, len(rows))
	for _, b := range rows {
		out[b.FileID] = b
	}
	return out, nil
}

func (s *Store) Bookmark(ctx context.Context, fileID string) (Bookmark, bool, error) {
	var b Bookmark
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Bookmark{}, false, nil
	}
	if err != nil {
		return Bookmark{}, false, wrapErr(CategoryTransient, "load bookmark", err)
	}
	return b, true, nil
}

func (s *Store) Context(ctx context.Context) (SurveyContext, error) {
	return loadContext(s.db.WithContext(ctx))
}

func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&JournalEvent{}).Count(&n).Error
	return n, err
}

// Events returns stored journal events in application order.
func (s *Store) Events(ctx context.Context) ([]JournalEvent, error) {
	var rows []JournalEvent
	err := s.db.WithContext(ctx).Order("id asc").Find(&rows).Error
	return rows, err
}

const contextSlot = "current"

func loadContext(db *gorm.DB) (SurveyContext, error) {
	var c SurveyContext
	err := db.Where("slot = ?", contextSlot).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SurveyContext{Slot: contextSlot}, nil
	}
	if err != nil {
		return SurveyContext{}, err
	}
	return c, nil
}

func loadProgress(db *gorm.DB, track Track) (ProgressState, error) {
	var p ProgressState
	err := db.Where("survey_type = ?", string(track)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProgressState{SurveyType: string(track), Direction: string(DirectionUnknown)}, nil
	}
	if err != nil {
		return ProgressState{}, err
	}
	return p, nil
}
