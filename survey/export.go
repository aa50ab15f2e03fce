package survey

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var exportHeader = []string{
	"id", "survey_type", "session", "sample_index", "z_bin",
	"system_name", "system_address", "source_systems",
	"system_count", "corrected_n", "max_distance", "notes", "confirmed_at",
}

// ExportSamplesCSV writes the samples of one track. It only reads committed rows,
// so exporting the same data twice yields the same bytes.
func ExportSamplesCSV(ctx context.Context, store *Store, w io.Writer, track Track) (int, error) {
	rows, err := loadSamples(store.DB().WithContext(ctx), track)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	for _, s := range rows {
		rec := []string{
			s.ID,
			s.SurveyType,
			strconv.Itoa(s.Session),
			strconv.Itoa(s.SampleIndex),
			strconv.Itoa(s.ZBin),
			s.SystemName,
			optInt64(s.SystemAddress),
			strings.Join(sourceSystems(s.SourceSystems), "; "),
			optInt(s.SystemCount),
			optInt(s.CorrectedN),
			optFloat(s.MaxDistance),
			s.Notes,
			s.ConfirmedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}

// ExportSamplesFile writes the CSV next to path and renames it into place.
func ExportSamplesFile(ctx context.Context, store *Store, path string, track Track) (int, error) {
	var buf bytes.Buffer
	n, err := ExportSamplesCSV(ctx, store, &buf, track)
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}

func sourceSystems(raw string) []string {
	var out []string
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{raw}
	}
	return out
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// writeFileAtomic never leaves a half-written file at path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
