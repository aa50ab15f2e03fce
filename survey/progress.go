package survey

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Phase string

const (
	PhaseNoData           Phase = "no_data"
	PhaseDirectionUnknown Phase = "direction_unknown"
	PhaseDirectionKnown   Phase = "direction_known"
)

func (p ProgressState) Phase() Phase {
	switch {
	case p.LastZBin == nil:
		return PhaseNoData
	case Direction(p.Direction) == DirectionAscending, Direction(p.Direction) == DirectionDescending:
		return PhaseDirectionKnown
	default:
		return PhaseDirectionUnknown
	}
}

// SampleInput is what the operator confirms. Session 0 means "whatever is open".
// A nil ZBin defaults to the z-bin of the latest arrival.
type SampleInput struct {
	Track         Track
	Session       int
	ZBin          *int
	SystemName    string
	SystemAddress *int64
	SourceSystems []string
	SystemCount   *int
	CorrectedN    *int
	MaxDistance   *float64
	Notes         string
	ConfirmedAt   time.Time
}

func (in SampleInput) validate() error {
	if in.SystemCount != nil && *in.SystemCount < 0 {
		return fmt.Errorf("%w: system count %d", ErrInvalidSample, *in.SystemCount)
	}
	if in.CorrectedN != nil && *in.CorrectedN < 0 {
		return fmt.Errorf("%w: corrected n %d", ErrInvalidSample, *in.CorrectedN)
	}
	if in.MaxDistance != nil && *in.MaxDistance < 0 {
		return fmt.Errorf("%w: max distance %v", ErrInvalidSample, *in.MaxDistance)
	}
	return nil
}

// Target is the next z-bin the operator should sample.
type Target struct {
	Track       Track
	ZBin        int
	Step        int
	Direction   Direction
	Arrow       string
	Phase       Phase
	Session     int
	SampleIndex int
	Completed   int
	Expected    int
	Done        bool
}

// deriveDirection compares the two latest confirmed z-bins. A zero delta keeps prev.
func deriveDirection(prevZ, lastZ *int, prev Direction) Direction {
	if prevZ == nil || lastZ == nil {
		return DirectionUnknown
	}
	switch d := *lastZ - *prevZ; {
	case d > 0:
		return DirectionAscending
	case d < 0:
		return DirectionDescending
	}
	if prev == "" {
		return DirectionUnknown
	}
	return prev
}

// applyConfirm advances p by one confirmed sample at zbin.
func applyConfirm(p ProgressState, zbin int) ProgressState {
	if p.Session == 0 {
		p.LastSession++
		p.Session = p.LastSession
		p.SampleIndex = 0
	}
	p.SampleIndex++
	p.Completed++
	p.PrevZBin = p.LastZBin
	z := zbin
	p.LastZBin = &z
	p.Direction = string(deriveDirection(p.PrevZBin, p.LastZBin, Direction(p.Direction)))
	return p
}

func softReset(p ProgressState) ProgressState {
	p.Session = 0
	p.SampleIndex = 0
	p.Completed = 0
	p.LastZBin = nil
	p.PrevZBin = nil
	p.Direction = string(DirectionUnknown)
	return p
}

func nextTarget(track Track, spec TrackSpec, p ProgressState, candidate *int) Target {
	dir := Direction(p.Direction)
	if dir == "" {
		dir = DirectionUnknown
	}
	t := Target{
		Track:       track,
		Direction:   dir,
		Arrow:       dir.Arrow(),
		Phase:       p.Phase(),
		Session:     p.Session,
		SampleIndex: p.SampleIndex + 1,
		Completed:   p.Completed,
		Expected:    spec.ExpectedSamples,
	}
	if p.Session == 0 {
		t.SampleIndex = 1
	}
	t.Done = spec.ExpectedSamples > 0 && p.Completed >= spec.ExpectedSamples
	if p.LastZBin == nil {
		if candidate == nil {
			t.Step = spec.stepFor(0, DirectionAscending)
			return t
		}
		t.Step = spec.stepFor(*candidate, DirectionAscending)
		t.ZBin = *candidate + t.Step
		return t
	}
	travel := dir
	if travel == DirectionUnknown {
		travel = DirectionAscending
	}
	t.Step = spec.stepFor(*p.LastZBin, travel)
	if travel == DirectionDescending {
		t.ZBin = *p.LastZBin - t.Step
	} else {
		t.ZBin = *p.LastZBin + t.Step
	}
	return t
}

// RecordContext moves the journal context forward. It never touches progress
// rows and ignores events older than the context it already holds.
func RecordContext(tx *gorm.DB, ev DomainEvent) error {
	if ev.Kind != KindArrival && ev.Kind != KindBodyScan {
		return nil
	}
	c, err := loadContext(tx)
	if err != nil {
		return err
	}
	if !c.EventTimestamp.IsZero() && ev.Timestamp.Before(c.EventTimestamp) {
		return nil
	}
	switch ev.Kind {
	case KindArrival:
		c.SystemName = ev.SystemName
		c.SystemAddress = ev.SystemAddress
		c.LastBody = ""
		if zb, ok := ev.ZBin(); ok {
			z := ev.Position.Z
			c.PosZ = &z
			c.ZBin = &zb
		}
	case KindBodyScan:
		if ev.SystemName != "" && ev.SystemName != c.SystemName {
			c.SystemName = ev.SystemName
			c.SystemAddress = ev.SystemAddress
		}
		c.LastBody = ev.BodyName
	}
	c.Slot = contextSlot
	c.EventTimestamp = ev.Timestamp
	c.EventID = ev.ID
	return upsert(tx, &c)
}

// zbinFor is the pilot's position on the track's own grid. Context rows
// written before PosZ existed fall back to the stored 50 ly bin.
func (c SurveyContext) zbinFor(spec TrackSpec) *int {
	if c.PosZ != nil {
		zb := spec.snap(*c.PosZ)
		return &zb
	}
	return c.ZBin
}

func upsert(tx *gorm.DB, v any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

// Tracker is the per-track progress state machine. All state lives in the store;
// a Tracker holds only configuration.
type Tracker struct {
	store    *Store
	tracks   Tracks
	notifier *Notifier
	now      func() time.Time
}

func NewTracker(store *Store, tracks Tracks, notifier *Notifier) *Tracker {
	if tracks == nil {
		tracks = DefaultTracks()
	}
	return &Tracker{store: store, tracks: tracks, notifier: notifier, now: time.Now}
}

func (t *Tracker) Tracks() Tracks { return t.tracks }

// ConfirmSample persists one sample and the advanced progress of its track in one transaction.
func (t *Tracker) ConfirmSample(ctx context.Context, in SampleInput) (ProgressState, Sample, error) {
	ctx, span := tracer.Start(ctx, "tracker.confirm", trace.WithAttributes(
		attribute.String("track", string(in.Track)),
	))
	defer span.End()

	spec, err := t.tracks.Spec(in.Track)
	if err != nil {
		return ProgressState{}, Sample{}, wrapErr(CategoryMalformed, "confirm sample", err)
	}
	if err := in.validate(); err != nil {
		return ProgressState{}, Sample{}, wrapErr(CategoryMalformed, "confirm sample", err)
	}
	confirmedAt := in.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = t.now()
	}
	confirmedAt = confirmedAt.UTC()

	var state ProgressState
	var sample Sample
	err = t.store.Write(ctx, "confirm sample", func(tx *gorm.DB) error {
		p, err := loadProgress(tx, in.Track)
		if err != nil {
			return err
		}
		if in.Session != 0 && in.Session != p.Session {
			return wrapErr(CategoryMalformed, "confirm sample",
				fmt.Errorf("%w: got %d, open %d", ErrSessionMismatch, in.Session, p.Session))
		}
		c, err := loadContext(tx)
		if err != nil {
			return err
		}
		zbin := in.ZBin
		if zbin == nil {
			zbin = c.zbinFor(spec)
		}
		if zbin == nil {
			return wrapErr(CategoryMalformed, "confirm sample", ErrNoZBin)
		}
		systemName, systemAddr := strings.TrimSpace(in.SystemName), in.SystemAddress
		if systemName == "" {
			systemName, systemAddr = c.SystemName, c.SystemAddress
		}
		sources := in.SourceSystems
		if len(sources) == 0 && systemName != "" {
			sources = []string{systemName}
		}
		srcJSON, err := json.Marshal(sources)
		if err != nil {
			return err
		}

		p = applyConfirm(p, *zbin)
		sample = Sample{
			ID:            uuid.NewString(),
			SurveyType:    string(in.Track),
			Session:       p.Session,
			SampleIndex:   p.SampleIndex,
			ZBin:          *zbin,
			SystemName:    systemName,
			SystemAddress: systemAddr,
			SourceSystems: string(srcJSON),
			SystemCount:   in.SystemCount,
			CorrectedN:    in.CorrectedN,
			MaxDistance:   in.MaxDistance,
			Notes:         in.Notes,
			ConfirmedAt:   confirmedAt,
		}
		if err := chainSample(tx, &sample); err != nil {
			return err
		}
		if err := tx.Create(&sample).Error; err != nil {
			return err
		}
		if err := upsert(tx, &p); err != nil {
			return err
		}
		state = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return ProgressState{}, Sample{}, err
	}
	log.Printf("confirmed %s session=%d index=%d zbin=%d direction=%s", in.Track, state.Session, state.SampleIndex, sample.ZBin, state.Direction)
	t.notifier.Notify()
	return state, sample, nil
}

// SoftReset returns the track to NoData. Sample rows and the session high-water mark stay.
func (t *Tracker) SoftReset(ctx context.Context, track Track) (ProgressState, error) {
	return t.mutate(ctx, "soft reset", track, softReset)
}

// StartSession closes the open session; the next confirmation opens a new one.
// Completed count, z-bins and direction carry over.
func (t *Tracker) StartSession(ctx context.Context, track Track) (ProgressState, error) {
	return t.mutate(ctx, "start session", track, func(p ProgressState) ProgressState {
		p.Session = 0
		p.SampleIndex = 0
		return p
	})
}

func (t *Tracker) mutate(ctx context.Context, op string, track Track, fn func(ProgressState) ProgressState) (ProgressState, error) {
	if _, err := t.tracks.Spec(track); err != nil {
		return ProgressState{}, wrapErr(CategoryMalformed, op, err)
	}
	var state ProgressState
	err := t.store.Write(ctx, op, func(tx *gorm.DB) error {
		p, err := loadProgress(tx, track)
		if err != nil {
			return err
		}
		p = fn(p)
		if err := upsert(tx, &p); err != nil {
			return err
		}
		state = p
		return nil
	})
	if err != nil {
		return ProgressState{}, err
	}
	log.Printf("%s %s: last_session=%d", op, track, state.LastSession)
	t.notifier.Notify()
	return state, nil
}

func (t *Tracker) Progress(ctx context.Context, track Track) (ProgressState, error) {
	if _, err := t.tracks.Spec(track); err != nil {
		return ProgressState{}, err
	}
	p, err := loadProgress(t.store.DB().WithContext(ctx), track)
	if err != nil {
		return ProgressState{}, wrapErr(CategoryTransient, "load progress", err)
	}
	return p, nil
}

// NextTarget is derived from stored state only.
func (t *Tracker) NextTarget(ctx context.Context, track Track) (Target, error) {
	spec, err := t.tracks.Spec(track)
	if err != nil {
		return Target{}, err
	}
	var (
		p ProgressState
		c SurveyContext
	)
	// One read transaction so progress and context come from the same snapshot.
	err = t.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if p, err = loadProgress(tx, track); err != nil {
			return err
		}
		c, err = loadContext(tx)
		return err
	})
	if err != nil {
		return Target{}, wrapErr(CategoryTransient, "next target", err)
	}
	return nextTarget(track, spec, p, c.zbinFor(spec)), nil
}

// Samples lists a track's samples in confirmation order, across all sessions.
func (t *Tracker) Samples(ctx context.Context, track Track) ([]Sample, error) {
	return loadSamples(t.store.DB().WithContext(ctx), track)
}

func loadSamples(db *gorm.DB, track Track) ([]Sample, error) {
	var rows []Sample
	err := db.Where("survey_type = ?", string(track)).
		Order("session asc, sample_index asc, confirmed_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr(CategoryTransient, "load samples", err)
	}
	return rows, nil
}
