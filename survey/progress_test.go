package survey

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

func newTestTracker(t *testing.T) (*Store, *Tracker) {
	t.Helper()
	st := openTestStore(t)
	return st, NewTracker(st, nil, nil)
}

func confirmAt(t *testing.T, tr *Tracker, track Track, z int) ProgressState {
	t.Helper()
	p, _, err := tr.ConfirmSample(context.Background(), SampleInput{Track: track, ZBin: intp(z)})
	if err != nil {
		t.Fatalf("confirm %s z=%d: %v", track, z, err)
	}
	return p
}

func TestDirectionStability(t *testing.T) {
	cases := []struct {
		name string
		bins []int
		want Direction
	}{
		{"one sample", []int{100}, DirectionUnknown},
		{"ascending", []int{100, 150}, DirectionAscending},
		{"descending", []int{150, 100}, DirectionDescending},
		{"flat keeps previous", []int{100, 150, 150}, DirectionAscending},
		{"turns", []int{100, 150, 100}, DirectionDescending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, tr := newTestTracker(t)
			var p ProgressState
			for _, z := range tc.bins {
				p = confirmAt(t, tr, TrackRegularDensity, z)
			}
			if Direction(p.Direction) != tc.want {
				t.Fatalf("direction=%s want %s", p.Direction, tc.want)
			}
		})
	}
}

func TestPhases(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()
	p, err := tr.Progress(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase() != PhaseNoData {
		t.Fatalf("phase=%s", p.Phase())
	}
	if p = confirmAt(t, tr, TrackRegularDensity, 0); p.Phase() != PhaseDirectionUnknown {
		t.Fatalf("phase=%s", p.Phase())
	}
	if p = confirmAt(t, tr, TrackRegularDensity, 50); p.Phase() != PhaseDirectionKnown {
		t.Fatalf("phase=%s", p.Phase())
	}
}

func TestScenario_TwentyOneLinearSamples(t *testing.T) {
	st, tr := newTestTracker(t)
	ctx := context.Background()

	arrival := Extract([]byte(arrivalLine(0, "Sol", 0)))
	if err := st.Write(ctx, "test", func(tx *gorm.DB) error { return RecordContext(tx, *arrival.Event) }); err != nil {
		t.Fatal(err)
	}

	var p ProgressState
	for i := 0; i < 21; i++ {
		p = confirmAt(t, tr, TrackRegularDensity, i*50)
		if i == 0 && Direction(p.Direction) != DirectionUnknown {
			t.Fatalf("direction after first sample = %s", p.Direction)
		}
		if i == 1 && Direction(p.Direction) != DirectionAscending {
			t.Fatalf("direction after second sample = %s", p.Direction)
		}
	}
	if p.Completed != 21 || p.SampleIndex != 21 || p.Session != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	target, err := tr.NextTarget(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if target.ZBin != 1050 {
		t.Fatalf("next target=%d want 1050", target.ZBin)
	}
	if !target.Done || target.Arrow != "↑" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestConfirmSample_DefaultsFromContext(t *testing.T) {
	st, tr := newTestTracker(t)
	ctx := context.Background()

	if _, _, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity}); !errors.Is(err, ErrNoZBin) {
		t.Fatalf("expected ErrNoZBin, got %v", err)
	}

	arrival := Extract([]byte(arrivalLine(1, "Col 285 Sector AB-C d1", 126)))
	if err := st.Write(ctx, "test", func(tx *gorm.DB) error { return RecordContext(tx, *arrival.Event) }); err != nil {
		t.Fatal(err)
	}
	_, s, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity})
	if err != nil {
		t.Fatal(err)
	}
	if s.ZBin != 150 || s.SystemName != "Col 285 Sector AB-C d1" {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if s.SourceSystems != `["Col 285 Sector AB-C d1"]` {
		t.Fatalf("unexpected source systems %s", s.SourceSystems)
	}
}

func TestTrackIndependence(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()

	confirmAt(t, tr, TrackLogarithmicDensity, 0)
	before, err := tr.Progress(ctx, TrackLogarithmicDensity)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		confirmAt(t, tr, TrackRegularDensity, i*50)
	}
	if _, err := tr.SoftReset(ctx, TrackRegularDensity); err != nil {
		t.Fatal(err)
	}
	after, err := tr.Progress(ctx, TrackLogarithmicDensity)
	if err != nil {
		t.Fatal(err)
	}
	if after.SampleIndex != before.SampleIndex || after.Completed != before.Completed ||
		after.Direction != before.Direction || *after.LastZBin != *before.LastZBin {
		t.Fatalf("logarithmic track changed: before %+v after %+v", before, after)
	}
	boxel, err := tr.Progress(ctx, TrackBoxelSize)
	if err != nil {
		t.Fatal(err)
	}
	if boxel.Phase() != PhaseNoData || boxel.Completed != 0 {
		t.Fatalf("boxel track changed: %+v", boxel)
	}
}

func TestSoftReset_PreservesHistory(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()

	for _, z := range []int{0, 50, 100} {
		confirmAt(t, tr, TrackRegularDensity, z)
	}
	before, err := tr.Samples(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}

	p, err := tr.SoftReset(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if p.Session != 0 || p.SampleIndex != 0 || p.Completed != 0 || Direction(p.Direction) != DirectionUnknown || p.LastZBin != nil {
		t.Fatalf("reset did not zero progress: %+v", p)
	}
	if p.LastSession != 1 {
		t.Fatalf("last session must survive reset, got %d", p.LastSession)
	}

	after, err := tr.Samples(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("samples after reset=%d want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].SampleIndex != after[i].SampleIndex || before[i].Session != after[i].Session {
			t.Fatalf("sample %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}

	p = confirmAt(t, tr, TrackRegularDensity, 500)
	if p.SampleIndex != 1 || p.Session != 2 || p.Completed != 1 {
		t.Fatalf("unexpected progress after reset: %+v", p)
	}
}

func TestSessionMismatchRejected(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()

	if _, _, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity, Session: 3, ZBin: intp(0)}); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}
	p := confirmAt(t, tr, TrackRegularDensity, 0)
	if _, _, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity, Session: p.Session + 1, ZBin: intp(50)}); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	} else if !IsCategory(err, CategoryMalformed) {
		t.Fatalf("expected malformed category, got %v", err)
	}
	if _, _, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity, Session: p.Session, ZBin: intp(50)}); err != nil {
		t.Fatal(err)
	}
	samples, err := tr.Samples(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("rejected confirmations must not persist, got %d samples", len(samples))
	}
}

func TestStartSession_KeepsCountersAndDirection(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()

	confirmAt(t, tr, TrackRegularDensity, 0)
	confirmAt(t, tr, TrackRegularDensity, 50)
	p, err := tr.StartSession(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if p.Session != 0 || p.Completed != 2 || Direction(p.Direction) != DirectionAscending {
		t.Fatalf("unexpected state: %+v", p)
	}
	p = confirmAt(t, tr, TrackRegularDensity, 100)
	if p.Session != 2 || p.SampleIndex != 1 || p.Completed != 3 {
		t.Fatalf("unexpected state: %+v", p)
	}
}

func TestUnknownTrack(t *testing.T) {
	_, tr := newTestTracker(t)
	if _, _, err := tr.ConfirmSample(context.Background(), SampleInput{Track: "spiral", ZBin: intp(0)}); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("expected ErrUnknownTrack, got %v", err)
	}
	if _, err := ParseTrack("boxel-size"); err != nil {
		t.Fatalf("ParseTrack: %v", err)
	}
}

func TestInvalidSampleRejected(t *testing.T) {
	_, tr := newTestTracker(t)
	neg := -1
	_, _, err := tr.ConfirmSample(context.Background(), SampleInput{Track: TrackRegularDensity, ZBin: intp(0), SystemCount: &neg})
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}
}

func TestLogarithmicSteps(t *testing.T) {
	spec := DefaultTracks()[TrackLogarithmicDensity]
	cases := []struct {
		z    int
		dir  Direction
		want int
	}{
		{0, DirectionAscending, 10},
		{10, DirectionAscending, 10},
		{20, DirectionAscending, 20},
		{80, DirectionAscending, 20},
		{100, DirectionAscending, 50},
		{100, DirectionDescending, 20},
		{20, DirectionDescending, 10},
		{-20, DirectionDescending, 20},
		{-20, DirectionAscending, 10},
		{-100, DirectionAscending, 20},
		{500, DirectionDescending, 50},
	}
	for _, tc := range cases {
		if got := spec.stepFor(tc.z, tc.dir); got != tc.want {
			t.Fatalf("stepFor(%d,%s)=%d want %d", tc.z, tc.dir, got, tc.want)
		}
	}

	// Walking up from the plane visits 0,10,20,40,...,100,150,...,1000.
	p := ProgressState{SurveyType: string(TrackLogarithmicDensity)}
	z := 0
	visited := 0
	for z <= 1000 {
		p = applyConfirm(p, z)
		visited++
		z = nextTarget(TrackLogarithmicDensity, spec, p, nil).ZBin
	}
	if visited != 25 {
		t.Fatalf("visited %d bins", visited)
	}
}

func TestBoxelTrackSingleEntry(t *testing.T) {
	_, tr := newTestTracker(t)
	ctx := context.Background()
	confirmAt(t, tr, TrackBoxelSize, 250)
	target, err := tr.NextTarget(ctx, TrackBoxelSize)
	if err != nil {
		t.Fatal(err)
	}
	if !target.Done || target.ZBin != 250 || target.Step != 0 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestRecordContext_IgnoresOlderEvents(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	newer := Extract([]byte(arrivalLine(10, "Newer", 500))).Event
	older := Extract([]byte(arrivalLine(5, "Older", 100))).Event
	for _, ev := range []*DomainEvent{newer, older} {
		if err := st.Write(ctx, "test", func(tx *gorm.DB) error { return RecordContext(tx, *ev) }); err != nil {
			t.Fatal(err)
		}
	}
	c, err := st.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.SystemName != "Newer" || c.ZBin == nil || *c.ZBin != 500 {
		t.Fatalf("context moved backwards: %+v", c)
	}

	scan := Extract([]byte(scanLine(11, "Newer", "Newer A 1"))).Event
	if err := st.Write(ctx, "test", func(tx *gorm.DB) error { return RecordContext(tx, *scan) }); err != nil {
		t.Fatal(err)
	}
	c, _ = st.Context(ctx)
	if c.LastBody != "Newer A 1" || *c.ZBin != 500 {
		t.Fatalf("scan did not update context: %+v", c)
	}
}

func recordArrival(t *testing.T, st *Store, i int, system string, z float64) {
	t.Helper()
	ex := Extract([]byte(arrivalLine(i, system, z)))
	if ex.Event == nil {
		t.Fatalf("arrival not accepted: %s", ex.Reason)
	}
	if err := st.Write(context.Background(), "test", func(tx *gorm.DB) error { return RecordContext(tx, *ex.Event) }); err != nil {
		t.Fatal(err)
	}
}

func TestNextTarget_NoSamplesStepsFromContext(t *testing.T) {
	st, tr := newTestTracker(t)
	ctx := context.Background()

	target, err := tr.NextTarget(ctx, TrackRegularDensity)
	if err != nil {
		t.Fatal(err)
	}
	if target.ZBin != 0 || target.Step != 50 {
		t.Fatalf("without context: %+v", target)
	}

	recordArrival(t, st, 0, "Sol", 0)
	cases := []struct {
		track Track
		zbin  int
		step  int
	}{
		{TrackRegularDensity, 50, 50},
		{TrackLogarithmicDensity, 10, 10},
		{TrackBoxelSize, 0, 0},
	}
	for _, tc := range cases {
		target, err := tr.NextTarget(ctx, tc.track)
		if err != nil {
			t.Fatal(err)
		}
		if target.ZBin != tc.zbin || target.Step != tc.step || target.Phase != PhaseNoData {
			t.Fatalf("%s: unexpected target %+v", tc.track, target)
		}
	}
}

func TestTrackSnap(t *testing.T) {
	tracks := DefaultTracks()
	cases := []struct {
		track Track
		z     float64
		want  int
	}{
		{TrackRegularDensity, 126, 150},
		{TrackRegularDensity, 25, 0},
		{TrackRegularDensity, 75, 100},
		{TrackRegularDensity, -75, -100},
		{TrackLogarithmicDensity, 5, 0},
		{TrackLogarithmicDensity, 7, 10},
		{TrackLogarithmicDensity, 30, 20},
		{TrackLogarithmicDensity, 33, 40},
		{TrackLogarithmicDensity, -126, -150},
		{TrackLogarithmicDensity, 1010, 1000},
		{TrackBoxelSize, 126, 150},
	}
	for _, tc := range cases {
		if got := tracks[tc.track].snap(tc.z); got != tc.want {
			t.Fatalf("%s snap(%v)=%d want %d", tc.track, tc.z, got, tc.want)
		}
	}
}

func TestConfirmSample_DefaultZBinFollowsTrackGrid(t *testing.T) {
	st, tr := newTestTracker(t)
	ctx := context.Background()
	recordArrival(t, st, 0, "HIP 1234", 33)

	target, err := tr.NextTarget(ctx, TrackLogarithmicDensity)
	if err != nil {
		t.Fatal(err)
	}
	if target.ZBin != 60 {
		t.Fatalf("log target=%d want 60", target.ZBin)
	}

	_, logSample, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackLogarithmicDensity})
	if err != nil {
		t.Fatal(err)
	}
	if logSample.ZBin != 40 {
		t.Fatalf("log sample z-bin=%d want 40", logSample.ZBin)
	}
	_, regSample, err := tr.ConfirmSample(ctx, SampleInput{Track: TrackRegularDensity})
	if err != nil {
		t.Fatal(err)
	}
	if regSample.ZBin != 50 {
		t.Fatalf("regular sample z-bin=%d want 50", regSample.ZBin)
	}
	c, err := st.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.PosZ == nil || *c.PosZ != 33 || c.ZBin == nil || *c.ZBin != 50 {
		t.Fatalf("unexpected context: %+v", c)
	}
}

func TestNextTarget_ReadsOneSnapshot(t *testing.T) {
	st, tr := newTestTracker(t)
	ctx := context.Background()

	// Every committed state has context z-bin == Completed*50.
	set := func(k int) error {
		ev := Extract([]byte(arrivalLine(k, "Sol", float64(k*50)))).Event
		return st.Write(ctx, "test", func(tx *gorm.DB) error {
			if err := RecordContext(tx, *ev); err != nil {
				return err
			}
			return upsert(tx, &ProgressState{
				SurveyType: string(TrackRegularDensity),
				Completed:  k,
				Direction:  string(DirectionUnknown),
			})
		})
	}
	if err := set(0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		for k := 1; k <= 100; k++ {
			if err := set(k); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			return
		default:
		}
		target, err := tr.NextTarget(ctx, TrackRegularDensity)
		if err != nil {
			t.Fatal(err)
		}
		if want := target.Completed*50 + 50; target.ZBin != want {
			t.Fatalf("mixed snapshot: completed=%d target=%d", target.Completed, target.ZBin)
		}
	}
}
