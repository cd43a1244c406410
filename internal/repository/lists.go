package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

const listEntryColumns = `id, kind, entity_type, value, reason, expires_at, created_by, created_at, updated_at`

// UpsertListEntry creates the entry, or refreshes reason and expiry of the
// entry already active for the same (kind, entityType, value).
// The returned bool is true when a new row was inserted.
func (r *SQLRepository) UpsertListEntry(ctx context.Context, entry *domain.ListEntry, now time.Time) (*domain.ListEntry, bool, error) {
	if entry == nil || entry.ID == "" || entry.Value == "" {
		return nil, false, fmt.Errorf("%w: list entry id and value are required", ErrInvalidInput)
	}
	if !entry.Kind.Valid() || !entry.EntityType.Valid() {
		return nil, false, fmt.Errorf("%w: unknown list kind or entity type", ErrInvalidInput)
	}
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if err := r.lockListEntry(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	query := `
		SELECT ` + listEntryColumns + `
		FROM list_entries
		WHERE kind = ? AND entity_type = ? AND value = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT 1
	`
	existing, err := scanListEntry(tx.QueryRowContext(ctx, r.rebind(query),
		string(entry.Kind), string(entry.EntityType), entry.Value, now))

	switch {
	case err == nil:
		update := `UPDATE list_entries SET reason = ?, expires_at = ?, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, r.rebind(update),
			nullString(entry.Reason), nullTime(entry.ExpiresAt), now, existing.ID,
		); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		existing.Reason = entry.Reason
		existing.ExpiresAt = timePtr(nullTime(entry.ExpiresAt))
		existing.UpdatedAt = now
		return existing, false, nil

	case errors.Is(err, ErrNotFound):
		insert := `INSERT INTO list_entries (` + listEntryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, r.rebind(insert),
			entry.ID, string(entry.Kind), string(entry.EntityType), entry.Value,
			nullString(entry.Reason), nullTime(entry.ExpiresAt), nullString(entry.CreatedBy),
			now, now,
		); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		created := *entry
		created.ExpiresAt = timePtr(nullTime(entry.ExpiresAt))
		created.CreatedAt = now
		created.UpdatedAt = now
		return &created, true, nil

	default:
		return nil, false, err
	}
}

// FindActiveListEntry returns the newest active entry of kind whose value
// equals any of values, regardless of entity type. It returns nil, nil when
// nothing matches.
func (r *SQLRepository) FindActiveListEntry(ctx context.Context, kind domain.ListKind, values []string, now time.Time) (*domain.ListEntry, error) {
	if len(values) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(values)+2)
	args = append(args, string(kind))
	for _, v := range values {
		args = append(args, v)
	}
	args = append(args, now.UTC())

	query := `
		SELECT ` + listEntryColumns + `
		FROM list_entries
		WHERE kind = ? AND value IN (` + placeholders(len(values)) + `)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT 1
	`
	entry, err := scanListEntry(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// ListListEntries returns entries matching the filter, newest first.
func (r *SQLRepository) ListListEntries(ctx context.Context, filter domain.ListFilter, now time.Time) ([]*domain.ListEntry, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.Active != nil {
		if *filter.Active {
			where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		} else {
			where = append(where, "(expires_at IS NOT NULL AND expires_at <= ?)")
		}
		args = append(args, now.UTC())
	}

	query := `SELECT ` + listEntryColumns + ` FROM list_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT 500"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*domain.ListEntry{}
	for rows.Next() {
		e, err := scanListEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteListEntry removes an entry.
func (r *SQLRepository) DeleteListEntry(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM list_entries WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanListEntry(row rowScanner) (*domain.ListEntry, error) {
	var e domain.ListEntry
	var kind, entityType string
	var reason, createdBy sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &kind, &entityType, &e.Value, &reason, &expiresAt,
		&createdBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Kind = domain.ListKind(kind)
	e.EntityType = domain.EntityType(entityType)
	e.Reason = reason.String
	e.CreatedBy = createdBy.String
	e.ExpiresAt = timePtr(expiresAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// lockListEntry serialises create-or-refresh for one (kind, entityType, value)
// on PostgreSQL, where READ COMMITTED lets two transactions both miss the
// active row. SQLite transactions already start with a write lock.
func (r *SQLRepository) lockListEntry(ctx context.Context, tx *sql.Tx, entry *domain.ListEntry) error {
	if r.driver != "postgres" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, listEntryLockKey(entry)); err != nil {
		return fmt.Errorf("failed to lock list entry: %w", err)
	}
	return nil
}

func listEntryLockKey(entry *domain.ListEntry) string {
	return "list_entries:" + string(entry.Kind) + ":" + string(entry.EntityType) + ":" + entry.Value
}
