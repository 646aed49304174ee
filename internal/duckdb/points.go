package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/gauge/internal/model"
)

const defaultLatestLimit = 100

var _ model.PointStore = (*Store)(nil)

// WritePoints inserts a batch in a single transaction.
func (s *Store) WritePoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points (ts, measurement, tags, field, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		tags := []byte("{}")
		if len(p.Tags) > 0 {
			if tags, err = json.Marshal(p.Tags); err != nil {
				return fmt.Errorf("marshal tags: %w", err)
			}
		}
		ts := p.Time.UTC()
		for _, field := range p.FieldKeys() {
			if _, err := stmt.ExecContext(ctx, ts, p.Measurement, string(tags), field, p.Fields[field]); err != nil {
				return fmt.Errorf("point insert: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	s.log.Debug("duckdb: batch stored", zap.Int("points", len(points)))
	return nil
}

// LatestPoints returns up to limit of the newest points, newest first and
// by measurement within one timestamp.
func (s *Store) LatestPoints(ctx context.Context, limit int) ([]model.Point, error) {
	if limit <= 0 {
		limit = defaultLatestLimit
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
WITH latest AS (
    SELECT ts, measurement, tags
    FROM points
    GROUP BY ts, measurement, tags
    ORDER BY ts DESC, measurement
    LIMIT ?
)
SELECT p.ts, p.measurement, p.tags, p.field, p.value
FROM points p
JOIN latest USING (ts, measurement, tags)
ORDER BY p.ts DESC, p.measurement, p.tags, p.field`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest points: %w", err)
	}
	defer rows.Close()

	var (
		out     []model.Point
		lastKey string
	)
	for rows.Next() {
		var (
			ts                       time.Time
			measurement, tags, field string
			value                    float64
		)
		if err := rows.Scan(&ts, &measurement, &tags, &field, &value); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		key := ts.String() + "\x00" + measurement + "\x00" + tags
		if key == lastKey {
			out[len(out)-1].Fields[field] = value
			continue
		}
		lastKey = key

		p := model.Point{
			Measurement: measurement,
			Tags:        map[string]string{},
			Fields:      map[string]float64{field: value},
			Time:        ts.UTC(),
		}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MeasurementCounts returns the number of stored points per measurement.
func (s *Store) MeasurementCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT measurement, COUNT(DISTINCT CAST(ts AS VARCHAR) || tags)
FROM points
GROUP BY measurement`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			m string
			n int64
		)
		if err := rows.Scan(&m, &n); err != nil {
			return nil, err
		}
		counts[m] = n
	}
	return counts, rows.Err()
}

// DeleteBefore removes every row older than cutoff and returns how many
// field rows were deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM points WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
