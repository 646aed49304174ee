// Package migrate versions the DuckDB points schema.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migration is one schema step, loaded from "<version>_<name>.sql".
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Runner applies pending migrations in version order, each in its own
// transaction.
type Runner struct {
	db   *sql.DB
	src  fs.FS
	log  *zap.Logger
	migs []Migration
}

// NewRunner creates a runner over the embedded points migrations.
func NewRunner(db *sql.DB, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{db: db, src: embedded, log: log}
}

// Load parses every migration file in dir of fsys. Versions must be unique.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := map[int]string{}
	var migs []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", e.Name(), err)
		}
		if other, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, e.Name(), ver)
		}
		seen[ver] = e.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		migs = append(migs, Migration{Version: ver, Name: e.Name(), SQL: string(data)})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

func (r *Runner) migrations() ([]Migration, error) {
	if r.migs == nil {
		migs, err := Load(r.src, "migrations")
		if err != nil {
			return nil, err
		}
		r.migs = migs
	}
	return r.migs, nil
}

func (r *Runner) bootstrap() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	return nil
}

func (r *Runner) current() (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Run applies every migration newer than the recorded schema version.
func (r *Runner) Run() error {
	if err := r.bootstrap(); err != nil {
		return err
	}
	migs, err := r.migrations()
	if err != nil {
		return err
	}
	current, err := r.current()
	if err != nil {
		return err
	}

	for _, m := range migs {
		if m.Version <= current {
			continue
		}
		if err := r.apply(m); err != nil {
			return err
		}
		r.log.Info("applied schema migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}
	return nil
}

func (r *Runner) apply(m Migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", m.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("migration %s: record: %w", m.Name, err)
	}
	return tx.Commit()
}

// Status returns the schema version and how many migrations are pending.
func (r *Runner) Status() (current, pending int, err error) {
	if err := r.bootstrap(); err != nil {
		return 0, 0, err
	}
	if current, err = r.current(); err != nil {
		return 0, 0, err
	}
	migs, err := r.migrations()
	if err != nil {
		return 0, 0, err
	}
	for _, m := range migs {
		if m.Version > current {
			pending++
		}
	}
	return current, pending, nil
}

// History lists applied migrations, oldest first.
func (r *Runner) History() ([]Applied, error) {
	if err := r.bootstrap(); err != nil {
		return nil, err
	}
	rows, err := r.db.Query("SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
