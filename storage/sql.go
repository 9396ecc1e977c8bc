package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/luca-patrignani/code-votation/domain/code"
)

// Open connects to a database and makes sure the schema exists.
// driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if driver == "sqlite" {
		// every sqlite connection to :memory: is a distinct database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLStore is a Store scoped to one collection type in a SQL database.
type SQLStore struct {
	db     *sql.DB
	typeID string
}

// NewSQLStore returns a store for the codes of typeID. The schema must exist.
func NewSQLStore(db *sql.DB, typeID string) *SQLStore {
	return &SQLStore{db: db, typeID: typeID}
}

func (s *SQLStore) Get(ctx context.Context, c string) (code.Code, error) {
	var stored code.Code
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, type, validations FROM code WHERE type_id = $1 AND code = $2`,
		s.typeID, c,
	).Scan(&stored.ID, &stored.Code, &stored.Name, &stored.Type, &stored.Validations)
	if errors.Is(err, sql.ErrNoRows) {
		return code.Code{}, ErrNotFound
	}
	if err != nil {
		return code.Code{}, fmt.Errorf("failed to read code %q: %w", c, err)
	}
	return stored, nil
}

func (s *SQLStore) Exists(ctx context.Context, c string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM code WHERE type_id = $1 AND code = $2`,
		s.typeID, c,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up code %q: %w", c, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM code WHERE type_id = $1`)
}

func (s *SQLStore) ValidatedCount(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM code WHERE type_id = $1 AND validations > 0`)
}

func (s *SQLStore) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, s.typeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count codes: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Put(ctx context.Context, c code.Code) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM code WHERE type_id = $1 AND code = $2`, s.typeID, c.Code,
	).Scan(&id)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return false, fmt.Errorf("failed to look up code %q: %w", c.Code, err)
	}

	if isNew {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO code (id, type_id, code, name, type, validations) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, s.typeID, c.Code, c.Name, c.Type, c.Validations,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE code SET name = $1, type = $2, validations = $3 WHERE id = $4`,
			c.Name, c.Type, c.Validations, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to store code %q: %w", c.Code, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit code %q: %w", c.Code, err)
	}
	return isNew, nil
}

func (s *SQLStore) IncrementValidations(ctx context.Context, c string) (code.Code, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE code SET validations = validations + 1 WHERE type_id = $1 AND code = $2`,
		s.typeID, c,
	)
	if err != nil {
		return code.Code{}, fmt.Errorf("failed to validate code %q: %w", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return code.Code{}, fmt.Errorf("failed to validate code %q: %w", c, err)
	}
	if n == 0 {
		return code.Code{}, ErrNotFound
	}
	return s.Get(ctx, c)
}

func (s *SQLStore) All(ctx context.Context) ([]code.Code, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name, type, validations FROM code WHERE type_id = $1 ORDER BY code`, s.typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	defer rows.Close()

	var all []code.Code
	for rows.Next() {
		var c code.Code
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.Type, &c.Validations); err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		all = append(all, c)
	}
	return all, rows.Err()
}
