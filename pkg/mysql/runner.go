package mysql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Runner executes administrative SQL. The production implementations open a
// fresh connection per statement, like the admin tooling this replaces:
// connections must not outlive engine restarts.
type Runner interface {
	Exec(ctx context.Context, query string) error
	QueryMaps(ctx context.Context, query string) ([]map[string]string, error)
}

// dsnRunner runs statements against a fixed DSN.
type dsnRunner struct {
	dsn string
}

// NewSocketRunner returns a Runner connected over the engine's UNIX socket.
// An empty password is valid during first initialization.
func NewSocketRunner(socket, user, password, database string) Runner {
	return &dsnRunner{
		dsn: fmt.Sprintf("%s:%s@unix(%s)/%s", user, password, socket, database),
	}
}

// NewTCPRunner returns a Runner connected over TCP, used for the query
// router's admin port.
func NewTCPRunner(addr, user, password, database string) Runner {
	return &dsnRunner{
		dsn: fmt.Sprintf("%s:%s@tcp(%s)/%s", user, password, addr, database),
	}
}

func (r *dsnRunner) open() (*sql.DB, error) {
	db, err := sql.Open("mysql", r.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return db, nil
}

func (r *dsnRunner) Exec(ctx context.Context, query string) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// QueryMaps returns each result row as a column-name → string map. Used for
// wide administrative result sets such as SHOW REPLICA STATUS.
func (r *dsnRunner) QueryMaps(ctx context.Context, query string) ([]map[string]string, error) {
	db, err := r.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []map[string]string
	for rows.Next() {
		raw := make([]sql.RawBytes, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]string, len(columns))
		for i, column := range columns {
			row[column] = string(raw[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Ping verifies the DSN answers. Implemented on the concrete type because
// only connection supervision needs it.
func (r *dsnRunner) Ping(ctx context.Context) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}
