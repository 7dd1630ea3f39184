package workflow

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/notifyx/platform/internal/expr"
)

var queryTokenRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// DBQueryAdapter runs a SQL query against the platform database. {{path}}
// tokens in the query text become bind parameters, never string splices.
// Config keys: query, maxRows.
type DBQueryAdapter struct {
	db *sqlx.DB
}

// NewDBQueryAdapter creates the adapter over an open database handle.
func NewDBQueryAdapter(db *sqlx.DB) *DBQueryAdapter {
	return &DBQueryAdapter{db: db}
}

func (a *DBQueryAdapter) Type() string { return "db.query" }

func (a *DBQueryAdapter) Execute(ctx context.Context, ex *Execution) (map[string]interface{}, error) {
	raw, _ := ex.Config["query"].(string)
	if raw == "" {
		return nil, fmt.Errorf("db.query: missing query")
	}

	var args []interface{}
	var missing []string
	query := queryTokenRe.ReplaceAllStringFunc(raw, func(tok string) string {
		path := queryTokenRe.FindStringSubmatch(tok)[1]
		v, ok := expr.Lookup(path, ex.Scope)
		if !ok {
			missing = append(missing, path)
			return "?"
		}
		args = append(args, v)
		return "?"
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("db.query: unresolved tokens %v", missing)
	}
	query = a.db.Rebind(query)

	maxRows := 1000
	if n, ok := numberConfig(ex.Config["maxRows"]); ok && n > 0 {
		maxRows = int(n)
	}

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db.query: %w", err)
	}
	defer rows.Close()

	var results []interface{}
	for rows.Next() {
		if len(results) >= maxRows {
			break
		}
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("db.query scan: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db.query: %w", err)
	}
	return map[string]interface{}{
		"rows":  results,
		"count": float64(len(results)),
	}, nil
}
