package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"

	"github.com/tinytelemetry/gauge/internal/model"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Postgres writes points to a PostgreSQL (or TimescaleDB) table with the
// columns (ts timestamptz, measurement text, tags jsonb, fields jsonb).
type Postgres struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects to dsn, retrying with backoff until retry runs out.
func OpenPostgres(ctx context.Context, dsn, table string, retry RetrySettings) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	err = WaitUntil(ctx, retry, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p, err := NewPostgres(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, table string) (*Postgres, error) {
	if table == "" {
		table = "points"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	if db == nil {
		return nil, errors.New("postgres: nil db")
	}
	return &Postgres{db: db, table: table}, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    ts          TIMESTAMPTZ NOT NULL,
    measurement TEXT NOT NULL,
    tags        JSONB NOT NULL,
    fields      JSONB NOT NULL
)`, p.table)
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: create %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

// WritePoints inserts the batch with one multi-row INSERT.
func (p *Postgres) WritePoints(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (ts, measurement, tags, fields) VALUES ")

	args := make([]any, 0, len(points)*4)
	for i, pt := range points {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3, len(args)+4)

		tags, err := json.Marshal(pt.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		fields, err := json.Marshal(pt.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		args = append(args, pt.Time.UTC(), pt.Measurement, tags, fields)
	}

	if _, err := p.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("postgres insert: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
