package recovery_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/crispyconductor/tightcnc-go/recovery"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.json")

	f := recovery.File{
		JobOptions:          map[string]interface{}{"file": "part.gcode"},
		LineCountOffset:     100,
		PredictedTimeOffset: 30,
	}
	if err := recovery.Save(path, f); err != nil {
		t.Fatal(err)
	}

	got, err := recovery.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.LineCountOffset != 100 || got.PredictedTimeOffset != 30 {
		t.Errorf("unexpected round trip: %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "recovery.json" {
			t.Errorf("leftover temp file after save: %s", e.Name())
		}
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.json")
	if err := recovery.Save(path, recovery.File{LineCountOffset: 5}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := bytes.Replace(data, []byte("\"lineCountOffset\": 5"), []byte("\"lineCountOffset\": 9"), 1)
	if bytes.Equal(corrupted, data) {
		t.Fatal("test setup failed to locate field to corrupt")
	}
	if err := os.WriteFile(path, corrupted, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := recovery.Load(path); err != recovery.ErrCorrupt {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestDeleteMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	if err := recovery.Delete(filepath.Join(dir, "nope.json")); err != nil {
		t.Errorf("expected no error deleting missing file, got %v", err)
	}
}
