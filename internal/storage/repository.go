package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no row matches owner and id.
var ErrNotFound = errors.New("expense not found")

// Timestamps are stored as fixed-width UTC text so that lexical order in
// SQLite matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	listByOwnerSQL = `SELECT id, amount, category, description, date, created_at
FROM expenses WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`
	getSQL = `SELECT id, amount, category, description, date, created_at
FROM expenses WHERE owner_id = ? AND id = ?`
	insertSQL = `INSERT INTO expenses (id, owner_id, amount, category, description, date, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	updateSQL = `UPDATE expenses SET amount = ?, category = ?, description = ?, date = ?
WHERE owner_id = ? AND id = ?`
	deleteSQL = `DELETE FROM expenses WHERE owner_id = ? AND id = ?`
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ListByOwner returns the owner's expenses, newest CreatedAt first.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, ownerID string) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, listByOwnerSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, ownerID, id string) (core.Expense, error) {
	e, err := scanExpense(r.db.QueryRowContext(ctx, getSQL, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, ErrNotFound
	}
	return e, err
}

// Insert stores e for ownerID. ID and CreatedAt must already be assigned.
func (r *SQLiteRepository) Insert(ctx context.Context, ownerID string, e core.Expense) error {
	_, err := r.db.ExecContext(ctx, insertSQL,
		e.ID,
		ownerID,
		e.Amount.String(),
		string(e.Category),
		e.Description,
		formatTime(e.Date),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"owner_id", ownerID,
		"amount", e.Amount.String(),
		"category", e.Category)
	return nil
}

// Update rewrites the mutable fields of an existing row. It reports whether
// a row matched owner and id.
func (r *SQLiteRepository) Update(ctx context.Context, ownerID string, e core.Expense) (bool, error) {
	res, err := r.db.ExecContext(ctx, updateSQL,
		e.Amount.String(),
		string(e.Category),
		e.Description,
		formatTime(e.Date),
		ownerID,
		e.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update expense %s: %w", e.ID, err)
	}
	return affected(res)
}

// Delete removes the row scoped to owner and id and reports whether it existed.
func (r *SQLiteRepository) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, deleteSQL, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("delete expense %s: %w", id, err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e                core.Expense
		amount, category string
		date, createdAt  string
	)
	if err := s.Scan(&e.ID, &amount, &category, &e.Description, &date, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Expense{}, err
		}
		return core.Expense{}, fmt.Errorf("scan expense: %w", err)
	}

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Expense{}, fmt.Errorf("parse amount of %s: %w", e.ID, err)
	}
	if e.Date, err = time.Parse(timeLayout, date); err != nil {
		return core.Expense{}, fmt.Errorf("parse date of %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return core.Expense{}, fmt.Errorf("parse created_at of %s: %w", e.ID, err)
	}
	e.Category = core.Category(category)
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
