package survey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// Extraction is the result of classifying one journal line.
type Extraction struct {
	Event   *DomainEvent
	Outcome Outcome
	Reason  string
}

// maxCoordinate bounds galactic coordinates; anything beyond is a bad record.
const maxCoordinate = 100000

var arrivalEvents = map[string]struct{}{
	"FSDJump":     {},
	"Location":    {},
	"CarrierJump": {},
}

// Extract classifies one journal line.
func Extract(line []byte) Extraction {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Extraction{Outcome: OutcomeIgnored}
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return rejected("invalid json: %v", err)
	}
	name, ok := m["event"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return rejected("missing field event")
	}
	_, isArrival := arrivalEvents[name]
	if !isArrival && name != "Scan" {
		return Extraction{Outcome: OutcomeIgnored}
	}

	rawTS, ok := m["timestamp"].(string)
	if !ok {
		return rejected("%s: missing field timestamp", name)
	}
	ts, ok := parseTimeString(rawTS)
	if !ok {
		return rejected("%s: unparseable timestamp %q", name, rawTS)
	}

	ev := DomainEvent{Name: name, Timestamp: ts}
	addr, err := optionalInt(m, "SystemAddress")
	if err != nil {
		return rejected("%s: %v", name, err)
	}
	ev.SystemAddress = addr
	ev.SystemName = strings.TrimSpace(stringField(m, "StarSystem"))

	if isArrival {
		ev.Kind = KindArrival
		if ev.SystemName == "" {
			return rejected("%s: missing field StarSystem", name)
		}
		pos, err := position(m)
		if err != nil {
			return rejected("%s: %v", name, err)
		}
		ev.Position = pos
	} else {
		ev.Kind = KindBodyScan
		ev.BodyName = strings.TrimSpace(stringField(m, "BodyName"))
		if ev.BodyName == "" {
			return rejected("%s: missing field BodyName", name)
		}
		if ev.BodyID, err = optionalInt(m, "BodyID"); err != nil {
			return rejected("%s: %v", name, err)
		}
		body, err := bodyAttributes(m)
		if err != nil {
			return rejected("%s: %v", name, err)
		}
		ev.Body = body
	}
	ev.ID = eventID(rawTS, name, ev.SystemAddress, ev.BodyID)
	return Extraction{Event: &ev, Outcome: OutcomeAccepted}
}

func rejected(format string, args ...any) Extraction {
	return Extraction{Outcome: OutcomeRejected, Reason: fmt.Sprintf(format, args...)}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func position(m map[string]any) (*Position, error) {
	raw, ok := m["StarPos"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing field StarPos")
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("field StarPos: expected 3 coordinates")
	}
	var c [3]float64
	for i, v := range arr {
		f, present, err := toFloat(v)
		if err != nil || !present {
			return nil, fmt.Errorf("field StarPos[%d]: not a number", i)
		}
		if math.Abs(f) >= maxCoordinate {
			return nil, fmt.Errorf("field StarPos[%d]: %v out of range", i, f)
		}
		c[i] = f
	}
	return &Position{X: c[0], Y: c[1], Z: c[2]}, nil
}

func bodyAttributes(m map[string]any) (*BodyAttributes, error) {
	b := &BodyAttributes{
		PlanetClass:    stringField(m, "PlanetClass"),
		TerraformState: stringField(m, "TerraformState"),
	}
	var err error
	if b.DistanceFromArrival, err = optionalFloat(m, "DistanceFromArrivalLS"); err != nil {
		return nil, err
	}
	if b.SurfaceGravity, err = optionalFloat(m, "SurfaceGravity"); err != nil {
		return nil, err
	}
	if b.SurfaceTemperature, err = optionalFloat(m, "SurfaceTemperature"); err != nil {
		return nil, err
	}
	if v, ok := m["Landable"].(bool); ok {
		b.Landable = &v
	}
	return b, nil
}

// optionalFloat returns nil for an absent or null field, never zero.
func optionalFloat(m map[string]any, key string) (*float64, error) {
	f, present, err := toFloat(m[key])
	if err != nil {
		return nil, fmt.Errorf("field %s: %v", key, err)
	}
	if !present {
		return nil, nil
	}
	return &f, nil
}

func optionalInt(m map[string]any, key string) (*int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return &n, nil
		}
		return nil, fmt.Errorf("field %s: %q is not an integer", key, t.String())
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not an integer", key, t)
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("field %s: unexpected %T", key, v)
	}
}

func toFloat(v any) (float64, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false, err
		}
		return f, true, nil
	case float64:
		return t, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%q is not a number", t)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected %T", v)
	}
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}
	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
