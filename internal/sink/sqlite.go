package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tinytelemetry/gauge/internal/model"
)

// SQLite stores one row per field in a local SQLite file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (or creates) the database at path and creates the points
// table if needed.
func NewSQLite(path string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS points (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          DATETIME NOT NULL,
    measurement TEXT NOT NULL,
    tags        TEXT NOT NULL,
    field       TEXT NOT NULL,
    value       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_measurement_ts ON points(measurement, ts);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create points table: %w", err)
	}
	return nil
}

var _ model.PointStore = (*SQLite)(nil)

func (s *SQLite) Name() string { return "sqlite" }

// WritePoints stores a batch in a single transaction.
func (s *SQLite) WritePoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO points (ts, measurement, tags, field, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		tags, err := json.Marshal(p.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for %s: %w", p.Measurement, err)
		}
		ts := p.Time.UTC()
		for _, field := range p.FieldKeys() {
			if _, err := stmt.ExecContext(ctx, ts, p.Measurement, string(tags), field, p.Fields[field]); err != nil {
				return fmt.Errorf("insert %s.%s: %w", p.Measurement, field, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("batch persisted", zap.Int("points", len(points)))
	return nil
}

// LatestPoints returns the most recent points, newest first, reassembled
// from their field rows.
func (s *SQLite) LatestPoints(ctx context.Context, limit int) ([]model.Point, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT p.ts, p.measurement, p.tags, p.field, p.value
FROM points p
JOIN (
    SELECT ts, measurement, tags FROM points
    GROUP BY ts, measurement, tags
    ORDER BY ts DESC, measurement
    LIMIT ?
) latest ON latest.ts = p.ts AND latest.measurement = p.measurement AND latest.tags = p.tags
ORDER BY p.ts DESC, p.measurement, p.field`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest points: %w", err)
	}
	defer rows.Close()

	var out []model.Point
	for rows.Next() {
		var (
			ts                     time.Time
			measurement, tags, fld string
			value                  float64
		)
		if err := rows.Scan(&ts, &measurement, &tags, &fld, &value); err != nil {
			return nil, fmt.Errorf("scan point row: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].Measurement == measurement && out[n-1].Time.Equal(ts) {
			out[n-1].Fields[fld] = value
			continue
		}
		p := model.Point{Measurement: measurement, Time: ts.UTC(), Fields: map[string]float64{fld: value}}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
