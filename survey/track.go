package survey

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Track string

const (
	TrackRegularDensity     Track = "regular_density"
	TrackLogarithmicDensity Track = "logarithmic_density"
	TrackBoxelSize          Track = "boxel_size"
)

// AllTracks lists the tracks in display order.
var AllTracks = []Track{TrackRegularDensity, TrackLogarithmicDensity, TrackBoxelSize}

func ParseTrack(s string) (Track, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	switch Track(s) {
	case TrackRegularDensity, TrackLogarithmicDensity, TrackBoxelSize:
		return Track(s), nil
	case "":
		return TrackRegularDensity, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTrack, s)
}

type Direction string

const (
	DirectionUnknown    Direction = "unknown"
	DirectionAscending  Direction = "ascending"
	DirectionDescending Direction = "descending"
)

// Arrow is the short marker shown next to the next target.
func (d Direction) Arrow() string {
	switch d {
	case DirectionAscending:
		return "↑"
	case DirectionDescending:
		return "↓"
	}
	return "?"
}

// Band applies Step to every |z| below Below. Below == 0 means unbounded.
type Band struct {
	Below float64 `yaml:"below"`
	Step  int     `yaml:"step"`
}

// Bands accepts either:
//  1. mapping form (preferred):
//     bands: {20: 10, 100: 20, max: 50}
//  2. list form:
//     bands:
//     - below: 20
//     step: 10
type Bands []Band

func (b *Bands) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		out := make(Bands, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := strings.TrimSpace(value.Content[i].Value)
			step, err := strconv.Atoi(strings.TrimSpace(value.Content[i+1].Value))
			if err != nil {
				return fmt.Errorf("band %q: step: %w", k, err)
			}
			var below float64
			switch strings.ToLower(k) {
			case "", "max", "else", "*":
			default:
				if below, err = strconv.ParseFloat(k, 64); err != nil {
					return fmt.Errorf("band %q: %w", k, err)
				}
			}
			out = append(out, Band{Below: below, Step: step})
		}
		*b = out.sorted()
		return nil
	case yaml.SequenceNode:
		var items []Band
		if err := value.Decode(&items); err != nil {
			return err
		}
		*b = Bands(items).sorted()
		return nil
	default:
		return nil
	}
}

// sorted orders bounded bands ascending with the unbounded band last.
func (b Bands) sorted() Bands {
	out := append(Bands(nil), b...)
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := out[i].Below, out[j].Below
		if bi == 0 {
			return false
		}
		if bj == 0 {
			return true
		}
		return bi < bj
	})
	return out
}

func (b Bands) stepAt(absZ float64) int {
	for _, band := range b {
		if band.Below == 0 || absZ < band.Below {
			return band.Step
		}
	}
	if len(b) == 0 {
		return 0
	}
	return b[len(b)-1].Step
}

type TrackSpec struct {
	Title           string
	ExpectedSamples int
	Bands           Bands
}

// TrackOverride is the YAML shape for tuning a track.
type TrackOverride struct {
	ExpectedSamples int   `yaml:"expected_samples"`
	Bands           Bands `yaml:"bands"`
}

// Tracks holds the step rules of every track. The zero value is not usable; see DefaultTracks.
type Tracks map[Track]TrackSpec

func DefaultTracks() Tracks {
	return Tracks{
		TrackRegularDensity: {
			Title:           "Regular density",
			ExpectedSamples: 21,
			Bands:           Bands{{Step: 50}},
		},
		TrackLogarithmicDensity: {
			Title:           "Logarithmic density",
			ExpectedSamples: 24,
			Bands:           Bands{{Below: 20, Step: 10}, {Below: 100, Step: 20}, {Step: 50}},
		},
		TrackBoxelSize: {
			Title:           "Boxel size",
			ExpectedSamples: 1,
			Bands:           Bands{{Step: 0}},
		},
	}
}

// WithOverrides returns a copy of t with the named tracks adjusted.
func (t Tracks) WithOverrides(overrides map[string]TrackOverride) (Tracks, error) {
	out := make(Tracks, len(t))
	for k, v := range t {
		out[k] = v
	}
	for name, o := range overrides {
		tr, err := ParseTrack(name)
		if err != nil {
			return nil, err
		}
		spec := out[tr]
		if o.ExpectedSamples < 0 {
			return nil, fmt.Errorf("track %s: expected_samples must be >= 0", tr)
		}
		if o.ExpectedSamples > 0 {
			spec.ExpectedSamples = o.ExpectedSamples
		}
		if len(o.Bands) > 0 {
			for _, b := range o.Bands {
				if b.Step < 0 || b.Below < 0 {
					return nil, fmt.Errorf("track %s: negative band", tr)
				}
			}
			spec.Bands = o.Bands.sorted()
		}
		out[tr] = spec
	}
	return out, nil
}

func (t Tracks) Spec(tr Track) (TrackSpec, error) {
	spec, ok := t[tr]
	if !ok {
		return TrackSpec{}, fmt.Errorf("%w: %q", ErrUnknownTrack, tr)
	}
	return spec, nil
}

// stepFor picks the band of the bin being left. Moving toward the plane
// uses the band just inside |z| so that 100 steps back down to 80, not 50.
func (s TrackSpec) stepFor(z int, dir Direction) int {
	absZ := math.Abs(float64(z))
	towardPlane := (dir == DirectionDescending && z > 0) || (dir == DirectionAscending && z < 0)
	if towardPlane {
		absZ--
	}
	return s.Bands.stepAt(absZ)
}

// snap maps a raw z coordinate onto the track's grid: the bins reached by
// stepping away from the plane starting at 0. Halfway ties go to the even
// grid index, which matches CalculateZBin on a uniform grid.
func (s TrackSpec) snap(z float64) int {
	absZ := math.Abs(z)
	lo, idx := 0, 0
	for {
		step := s.Bands.stepAt(float64(lo))
		if step <= 0 {
			return CalculateZBin(z, ZBinSize)
		}
		hi := lo + step
		if float64(hi) < absZ {
			lo = hi
			idx++
			continue
		}
		pick := lo
		dLo, dHi := absZ-float64(lo), float64(hi)-absZ
		if dHi < dLo || (dHi == dLo && idx%2 == 1) {
			pick = hi
		}
		if z < 0 {
			return -pick
		}
		return pick
	}
}
