package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	// timestampLayout is how plate timestamps are stored. The leading date
	// part is what daily statistics filter on.
	timestampLayout = "2006-01-02 15:04:05"
	dateLayout      = "2006-01-02"
)

// errBackupUnsupported is returned by Store.Backup on engines without an
// online file backup.
var errBackupUnsupported = errors.New("backup is not supported by this store driver")

// Origin records how a plate came to be saved.
type Origin string

const (
	OriginAuto   Origin = "Auto"
	OriginManual Origin = "Manual"
)

// PlateRecord is one accepted detection. Records are never updated once
// written.
type PlateRecord struct {
	Timestamp      time.Time
	Plate          string
	Confidence     float64
	ImagePath      string
	Origin         Origin
	ProcessingTime time.Duration
	Method         string
}

// Statistics aggregates the plates recorded on one calendar day.
type Statistics struct {
	Total              int
	Unique             int
	MeanConfidence     float64
	MeanProcessingTime float64
}

// dialect captures what differs between the supported SQL engines.
type dialect struct {
	driver         string
	schema         []string
	numberedParams bool
	fileBackup     bool
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS plates (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				plate_number TEXT NOT NULL,
				confidence REAL,
				image_path TEXT,
				location TEXT,
				processing_time REAL,
				detection_method TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS statistics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				date TEXT NOT NULL,
				total_detections INTEGER,
				unique_plates INTEGER,
				avg_confidence REAL,
				avg_processing_time REAL
			)`,
		},
		fileBackup: true,
	},
	"postgres": {
		driver: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS plates (
				id BIGSERIAL PRIMARY KEY,
				timestamp TEXT NOT NULL,
				plate_number TEXT NOT NULL,
				confidence DOUBLE PRECISION,
				image_path TEXT,
				location TEXT,
				processing_time DOUBLE PRECISION,
				detection_method TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS statistics (
				id BIGSERIAL PRIMARY KEY,
				date TEXT NOT NULL,
				total_detections INTEGER,
				unique_plates INTEGER,
				avg_confidence DOUBLE PRECISION,
				avg_processing_time DOUBLE PRECISION
			)`,
		},
		numberedParams: true,
	},
}

// StoreOptions selects the store engine.
type StoreOptions struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string
}

// Store is the durable plate record store. Every operation acquires its own
// connection and releases it before returning; nothing is held open across
// frames.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// OpenStore connects to the store and provisions the schema.
func OpenStore(ctx context.Context, opts StoreOptions, logger *slog.Logger) (*Store, error) {
	d, ok := dialects[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}

	db, err := sql.Open(d.driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if d.fileBackup {
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.provision(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Store opened", "driver", opts.Driver)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) provision(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		for _, stmt := range s.dialect.schema {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to provision schema: %w", err)
			}
		}
		return nil
	})
}

// withConn runs fn on a connection scoped to this call.
func (s *Store) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire store connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// rebind rewrites ? placeholders into $n for engines that number them.
func (s *Store) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert appends rec as a new row and returns its assigned id.
func (s *Store) Insert(ctx context.Context, rec PlateRecord) (int64, error) {
	query := s.rebind(`INSERT INTO plates (timestamp, plate_number, confidence, image_path,
		location, processing_time, detection_method)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query,
			rec.Timestamp.Format(timestampLayout),
			rec.Plate,
			rec.Confidence,
			rec.ImagePath,
			string(rec.Origin),
			rec.ProcessingTime.Seconds(),
			rec.Method,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert plate %s: %w", rec.Plate, err)
	}
	return id, nil
}

// DailyStatistics aggregates the plates whose timestamp falls on day's
// calendar date.
func (s *Store) DailyStatistics(ctx context.Context, day time.Time) (Statistics, error) {
	query := s.rebind(`SELECT COUNT(*), COUNT(DISTINCT plate_number),
		COALESCE(AVG(confidence), 0), COALESCE(AVG(processing_time), 0)
		FROM plates WHERE substr(timestamp, 1, 10) = ?`)

	var stats Statistics
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, day.Format(dateLayout)).Scan(
			&stats.Total, &stats.Unique, &stats.MeanConfidence, &stats.MeanProcessingTime)
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to query daily statistics: %w", err)
	}
	return stats, nil
}

// Count returns the number of stored plates.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM plates`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count plates: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest maxRecords plates and returns how many
// were removed. A maxRecords of zero or less keeps everything.
func (s *Store) Prune(ctx context.Context, maxRecords int) (int64, error) {
	if maxRecords <= 0 {
		return 0, nil
	}
	query := s.rebind(`DELETE FROM plates WHERE id NOT IN (
		SELECT id FROM plates ORDER BY id DESC LIMIT ?)`)

	var removed int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, maxRecords)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune plates: %w", err)
	}
	return removed, nil
}

// Vacuum reclaims free space in the store.
func (s *Store) Vacuum(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `VACUUM`); err != nil {
			return fmt.Errorf("failed to vacuum store: %w", err)
		}
		return nil
	})
}

// Backup writes a consistent copy of the store to path. Only file based
// engines support it.
func (s *Store) Backup(ctx context.Context, path string) error {
	if !s.dialect.fileBackup {
		return errBackupUnsupported
	}
	stmt := fmt.Sprintf(`VACUUM INTO '%s'`, strings.ReplaceAll(path, "'", "''"))
	return s.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to back up store to %s: %w", path, err)
		}
		return nil
	})
}

// SnapshotStatistics appends one row to the statistics table.
func (s *Store) SnapshotStatistics(ctx context.Context, day time.Time, stats Statistics) error {
	query := s.rebind(`INSERT INTO statistics (date, total_detections, unique_plates,
		avg_confidence, avg_processing_time) VALUES (?, ?, ?, ?, ?)`)

	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query, day.Format(dateLayout),
			stats.Total, stats.Unique, stats.MeanConfidence, stats.MeanProcessingTime)
		if err != nil {
			return fmt.Errorf("failed to snapshot statistics: %w", err)
		}
		return nil
	})
}
