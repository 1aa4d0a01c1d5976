// ABOUTME: Generic Record Store over named collections (posts, likes, follows, comments)
// ABOUTME: JSON documents keyed by (collection, id) with create/read/update/delete/count

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func validateRecord(rec *Record) error {
	if rec.Collection == "" || rec.ID == "" {
		return errors.New("record collection and id are required")
	}
	if !json.Valid(rec.Data) {
		return errors.New("record data must be valid JSON")
	}
	return nil
}

// CreateRecord inserts a record into its collection.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Collection, rec.ID, string(rec.Data), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("record %s/%s already exists", rec.Collection, rec.ID)
		}
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	rec := Record{Collection: collection, ID: id}
	var data, createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT data, created_at, updated_at FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&data, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}

	rec.Data = []byte(data)
	if rec.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// UpdateRecord replaces a record's data. Returns ErrNotFound if absent.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ?
	`, string(rec.Data), formatTime(rec.UpdatedAt), rec.Collection, rec.ID)
	if err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a record. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecords returns the number of records in a collection.
func (s *SQLiteStore) CountRecords(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}
