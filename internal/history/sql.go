package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CZERTAINLY/Bosun/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQL keeps the history in a relational table. The whole record is stored
// as JSON, id and status are duplicated into columns for lookups.
type SQL struct {
	db     *sql.DB
	driver string
}

var schemas = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS executions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tool_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record TEXT NOT NULL
	)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS executions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		tool_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record TEXT NOT NULL
	)`,
}

// OpenSQL opens the database and creates the table when missing.
// The driver is DriverSQLite or DriverPostgres.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	ddl, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating executions table: %w", err)
	}
	return &SQL{db: db, driver: driver}, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Append(ctx context.Context, rec model.Execution) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO executions (id, tool_id, status, record) VALUES (?,?,?,?)`),
		rec.ID, rec.ToolID, string(rec.Status), string(b),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *SQL) List(ctx context.Context) ([]model.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM executions ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := []model.Execution{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		var rec model.Execution
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// Get returns a record identified by 'id' on success,
// model.ErrNotFound when it does not exist,
// error otherwise.
func (s *SQL) Get(ctx context.Context, id string) (model.Execution, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT record FROM executions WHERE id=?`), id,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Execution{}, model.ErrNotFound
	case err != nil:
		return model.Execution{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	var rec model.Execution
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.Execution{}, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func (s *SQL) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}()

	result, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM executions WHERE seq NOT IN (
			SELECT seq FROM executions ORDER BY seq DESC LIMIT ?
		)`), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction failed: %w", err)
	}
	return int(ra), nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
