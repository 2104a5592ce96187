package main

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readExport(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	return rows
}

func TestCSVExportAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detected_plates.csv")
	export := NewCSVExport(path)
	at := time.Date(2024, 3, 15, 10, 30, 0, 0, time.Local)

	for _, plate := range []string{"AB1234", "XY9876"} {
		if err := export.Append(plateAt(plate, at, 0.856)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	rows := readExport(t, path)
	if len(rows) != 3 {
		t.Fatalf("export rows = %d, want 3", len(rows))
	}
	for i, h := range exportHeader {
		if rows[0][i] != h {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], h)
		}
	}
	want := []string{"2024-03-15 10:30:00", "AB1234", "85.60%", "saved_plates/AB1234.jpg"}
	for i, v := range want {
		if rows[1][i] != v {
			t.Errorf("row[%d] = %q, want %q", i, rows[1][i], v)
		}
	}
}

func TestCSVExportExistingFileGetsNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detected_plates.csv")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewCSVExport(path).Append(plateAt("AB1234", time.Now(), 0.9)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	rows := readExport(t, path)
	if len(rows) != 1 || rows[0][1] != "AB1234" {
		t.Errorf("export rows = %v, want a single data row", rows)
	}
}

func TestGatewaySave(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	gateway := NewGateway(store, NewCSVExport(filepath.Join(dir, "plates.csv")), nil, discardLogger())

	if err := gateway.Save(ctx, plateAt("AB1234", time.Now(), 0.9)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	stats := gateway.DailyStatistics(ctx)
	if stats.Total != 1 {
		t.Errorf("DailyStatistics().Total = %d, want 1", stats.Total)
	}
	if rows := readExport(t, filepath.Join(dir, "plates.csv")); len(rows) != 2 {
		t.Errorf("export rows = %d, want 2", len(rows))
	}
}

func TestGatewaySaveExportFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	missing := filepath.Join(t.TempDir(), "missing", "plates.csv")
	gateway := NewGateway(store, NewCSVExport(missing), nil, discardLogger())

	err := gateway.Save(ctx, plateAt("AB1234", time.Now(), 0.9))
	if !errors.Is(err, ErrExportFailed) {
		t.Fatalf("Save() error = %v, want %v", err, ErrExportFailed)
	}
	if errors.Is(err, ErrStoreFailed) {
		t.Errorf("Save() error = %v, must not match %v", err, ErrStoreFailed)
	}

	if stats := gateway.DailyStatistics(ctx); stats.Total != 1 {
		t.Errorf("DailyStatistics().Total = %d, want 1", stats.Total)
	}
}

func TestGatewaySaveStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	path := filepath.Join(t.TempDir(), "plates.csv")
	gateway := NewGateway(store, NewCSVExport(path), nil, discardLogger())
	store.Close()

	err := gateway.Save(ctx, plateAt("AB1234", time.Now(), 0.9))
	if !errors.Is(err, ErrStoreFailed) {
		t.Fatalf("Save() error = %v, want %v", err, ErrStoreFailed)
	}
	if errors.Is(err, ErrExportFailed) {
		t.Errorf("Save() error = %v, must not match %v", err, ErrExportFailed)
	}
	if rows := readExport(t, path); len(rows) != 2 {
		t.Errorf("export rows = %d, want 2", len(rows))
	}
}

func TestGatewayDailyStatisticsFailSoft(t *testing.T) {
	store := openTestStore(t)
	gateway := NewGateway(store, NewCSVExport(filepath.Join(t.TempDir(), "plates.csv")), nil, discardLogger())
	store.Close()

	if got := gateway.DailyStatistics(context.Background()); got != (Statistics{}) {
		t.Errorf("DailyStatistics() = %+v, want zero", got)
	}
}
