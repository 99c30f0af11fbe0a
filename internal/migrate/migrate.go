package migrate

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/example/tourbook/internal/db"
)

//go:embed *.sql
var fs embed.FS

// Migration is one embedded schema file and whether it has been applied.
type Migration struct {
	Version string
	Applied bool
}

func files() ([]string, error) {
	entries, err := fs.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func ensureTable(ctx context.Context, d *db.DB) error {
	return d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
}

// Up applies every pending migration in file-name order, each in its own
// transaction together with its schema_migrations row. It returns the
// versions it applied.
func Up(ctx context.Context, d *db.DB) ([]string, error) {
	names, err := files()
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, d); err != nil {
		return nil, err
	}

	var applied []string
	for _, f := range names {
		var done bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&done); err != nil {
			return applied, err
		}
		if done {
			continue
		}

		b, err := fs.ReadFile(f)
		if err != nil {
			return applied, err
		}
		err = d.InTx(ctx, func(q db.Querier) error {
			if err := q.Exec(ctx, string(b)); err != nil {
				return err
			}
			return q.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, f)
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}
		applied = append(applied, f)
	}

	return applied, nil
}

func Status(ctx context.Context, d *db.DB) ([]Migration, error) {
	names, err := files()
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, d); err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, f := range names {
		m := Migration{Version: f}
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&m.Applied); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
