package survey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type EventKind string

const (
	KindArrival  EventKind = "arrival"
	KindBodyScan EventKind = "body_scan"
	KindIgnored  EventKind = "ignored"
)

// ZBinSize is the width of one z-bin in light years.
const ZBinSize = 50

type Position struct {
	X, Y, Z float64
}

// BodyAttributes are the scan fields kept for export. Absent fields stay nil.
type BodyAttributes struct {
	PlanetClass         string   `json:"planet_class,omitempty"`
	TerraformState      string   `json:"terraform_state,omitempty"`
	DistanceFromArrival *float64 `json:"distance_from_arrival_ls,omitempty"`
	SurfaceGravity      *float64 `json:"surface_gravity,omitempty"`
	SurfaceTemperature  *float64 `json:"surface_temperature,omitempty"`
	Landable            *bool    `json:"landable,omitempty"`
}

// DomainEvent is one relevant journal record. It is never mutated after Extract.
type DomainEvent struct {
	ID            string
	Kind          EventKind
	Name          string
	Timestamp     time.Time
	SystemName    string
	SystemAddress *int64
	Position      *Position
	BodyName      string
	BodyID        *int64
	Body          *BodyAttributes
}

// ZBin returns the z-bin of the event position, if it has one.
func (e DomainEvent) ZBin() (int, bool) {
	if e.Position == nil {
		return 0, false
	}
	return CalculateZBin(e.Position.Z, ZBinSize), true
}

// CalculateZBin quantizes z to the nearest bin, halves rounding to even.
func CalculateZBin(z float64, binSize int) int {
	if binSize <= 0 {
		binSize = ZBinSize
	}
	return int(math.RoundToEven(z/float64(binSize))) * binSize
}

// eventID is stable for the same journal record, so replays collapse onto one row.
func eventID(timestamp, name string, systemAddress, bodyID any) string {
	parts := []string{timestamp, name, fmtOptional(systemAddress), fmtOptional(bodyID)}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func fmtOptional(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case *int64:
		if t == nil {
			return ""
		}
		return fmt.Sprint(*t)
	default:
		return fmt.Sprint(t)
	}
}

func (e DomainEvent) record(fileID string, offset int64, now time.Time) JournalEvent {
	je := JournalEvent{
		EventID:       e.ID,
		Kind:          string(e.Kind),
		Name:          e.Name,
		Timestamp:     e.Timestamp,
		SystemName:    e.SystemName,
		SystemAddress: e.SystemAddress,
		BodyName:      e.BodyName,
		BodyID:        e.BodyID,
		FileID:        fileID,
		FileOffset:    offset,
		IngestedAt:    now,
	}
	if e.Position != nil {
		je.HasPosition = true
		je.PosX, je.PosY, je.PosZ = e.Position.X, e.Position.Y, e.Position.Z
		zb, _ := e.ZBin()
		je.ZBin = &zb
	}
	if e.Body != nil {
		if b, err := json.Marshal(e.Body); err == nil {
			je.BodyJSON = string(b)
		}
	}
	return je
}
