package survey

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type legacySample struct {
	ID          string `gorm:"primaryKey;size:36"`
	Session     int
	SampleIndex int
	ZBin        int
	SystemName  string
	ConfirmedAt time.Time
}

func (legacySample) TableName() string { return "samples" }

func TestOpenStore_LegacySamplesDefaultToRegularDensity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	old, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := old.AutoMigrate(&legacySample{}); err != nil {
		t.Fatal(err)
	}
	rows := []legacySample{
		{ID: "a", Session: 1, SampleIndex: 1, ZBin: 0, SystemName: "Sol", ConfirmedAt: baseTime},
		{ID: "b", Session: 1, SampleIndex: 2, ZBin: 50, SystemName: "Sol", ConfirmedAt: baseTime.Add(time.Minute)},
	}
	if err := old.Create(&rows).Error; err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := old.DB()
	_ = sqlDB.Close()

	st, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	tr := NewTracker(st, nil, nil)
	got, err := tr.Samples(context.Background(), TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("legacy rows not visible on regular_density: %+v", got)
	}
	other, err := tr.Samples(context.Background(), TrackLogarithmicDensity)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("legacy rows leaked into logarithmic track: %+v", other)
	}

	if _, _, err := tr.ConfirmSample(context.Background(), SampleInput{Track: TrackRegularDensity, ZBin: intp(100)}); err != nil {
		t.Fatal(err)
	}
	chain, err := st.VerifySamples(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Valid || chain.Unchained != 2 || chain.Checked != 1 {
		t.Fatalf("legacy rows must sit outside the chain: %+v", chain)
	}
}

func TestStoreWrite_RollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	err := st.Write(ctx, "test", func(tx *gorm.DB) error {
		if err := tx.Create(&Bookmark{FileID: "2025-03-01T120000.01", Offset: 10}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) || !IsCategory(err, CategoryDurability) {
		t.Fatalf("expected durability error wrapping boom, got %v", err)
	}
	if _, ok, err := st.Bookmark(ctx, "2025-03-01T120000.01"); err != nil || ok {
		t.Fatalf("bookmark must not exist after rollback (ok=%v err=%v)", ok, err)
	}
}

func TestStore_ReopenKeepsCommittedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "survey.db")
	st, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTracker(st, nil, nil)
	for _, z := range []int{0, 50} {
		if _, _, err := tr.ConfirmSample(context.Background(), SampleInput{Track: TrackRegularDensity, ZBin: intp(z)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	target, err := NewTracker(st, nil, nil).NextTarget(context.Background(), TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if target.ZBin != 100 || target.Direction != DirectionAscending || target.Completed != 2 {
		t.Fatalf("unexpected target after reopen: %+v", target)
	}
}
