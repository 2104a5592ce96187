package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

var (
	// ErrStoreFailed marks a save whose durable store write failed.
	ErrStoreFailed = errors.New("store write failed")
	// ErrExportFailed marks a save whose CSV export write failed.
	ErrExportFailed = errors.New("export write failed")
)

var exportHeader = []string{"Timestamp", "Plate_Number", "Confidence", "Image_Path"}

// CSVExport appends plate records to a flat comma-separated file. The header
// row is written only when the file does not exist yet.
type CSVExport struct {
	path string
}

// NewCSVExport creates an exporter for path. The parent directory must exist.
func NewCSVExport(path string) *CSVExport {
	return &CSVExport{path: path}
}

// Path returns the export file location.
func (e *CSVExport) Path() string {
	return e.path
}

// Append writes rec as one row.
func (e *CSVExport) Append(rec PlateRecord) error {
	writeHeader := false
	if _, err := os.Stat(e.path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat export file: %w", err)
		}
		writeHeader = true
	}

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open export file: %w", err)
	}

	w := csv.NewWriter(f)
	if writeHeader {
		w.Write(exportHeader)
	}
	w.Write([]string{
		rec.Timestamp.Format(timestampLayout),
		rec.Plate,
		fmt.Sprintf("%.2f%%", rec.Confidence*100),
		rec.ImagePath,
	})
	w.Flush()

	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write export row: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}
	return nil
}

// Gateway is the persistence entry point used by the frame loop. It writes
// each accepted plate to the durable store and the CSV export, and serves
// daily statistics back from the store.
//
// The two writes are independent. Save attempts both and joins their errors,
// so a record stored before an export failure stays in the store and is
// counted by later statistics.
type Gateway struct {
	store  *Store
	export *CSVExport
	now    func() time.Time
	logger *slog.Logger
}

// NewGateway creates a gateway over store and export. now may be nil.
func NewGateway(store *Store, export *CSVExport, now func() time.Time, logger *slog.Logger) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{store: store, export: export, now: now, logger: logger}
}

// Save persists rec. A nil error means both sinks were written. Otherwise
// the returned error matches ErrStoreFailed, ErrExportFailed or both.
func (g *Gateway) Save(ctx context.Context, rec PlateRecord) error {
	var errs []error

	if _, err := g.store.Insert(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrStoreFailed, err))
	}
	if err := g.export.Append(rec); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrExportFailed, err))
	}

	return errors.Join(errs...)
}

// DailyStatistics returns today's aggregates. Any failure yields the zero
// value so that statistics never interrupt detection.
func (g *Gateway) DailyStatistics(ctx context.Context) Statistics {
	stats, err := g.store.DailyStatistics(ctx, g.now())
	if err != nil {
		g.logger.Warn("Daily statistics unavailable", "error", err)
		return Statistics{}
	}
	return stats
}
