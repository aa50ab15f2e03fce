package survey

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "survey.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func arrivalLine(i int, system string, z float64) string {
	ts := baseTime.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
	return fmt.Sprintf(`{"timestamp":"%s","event":"FSDJump","StarSystem":"%s","SystemAddress":%d,"StarPos":[1.5,-3.25,%v]}`+"\n",
		ts, system, 1000+i, z)
}

func scanLine(i int, system, body string) string {
	ts := baseTime.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
	return fmt.Sprintf(`{"timestamp":"%s","event":"Scan","StarSystem":"%s","BodyName":"%s","BodyID":%d,"PlanetClass":"Icy body"}`+"\n",
		ts, system, body, i)
}

func appendFile(t *testing.T, path string, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func intp(v int) *int { return &v }
