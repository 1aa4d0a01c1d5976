// ABOUTME: SQLite persistence for user profiles consulted by the Identity Provider
// ABOUTME: Profiles carry the bcrypt password hash used for token issuance

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateProfile inserts a new profile.
// Returns ErrDuplicateProfile if the ID or username is taken.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Username, p.DisplayName, nullString(p.PasswordHash), formatTime(p.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateProfile
		}
		return fmt.Errorf("inserting profile: %w", err)
	}

	s.logger.Debug("created profile", "id", p.ID, "username", p.Username)
	return nil
}

// GetProfile retrieves a profile by ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return s.getProfile(ctx, `WHERE id = ?`, id)
}

// GetProfileByUsername retrieves a profile by its unique username.
func (s *SQLiteStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	return s.getProfile(ctx, `WHERE username = ?`, username)
}

func (s *SQLiteStore) getProfile(ctx context.Context, where string, arg string) (*Profile, error) {
	var p Profile
	var passwordHash sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, created_at
		FROM profiles `+where, arg).Scan(&p.ID, &p.Username, &p.DisplayName, &passwordHash, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	p.PasswordHash = passwordHash.String
	p.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// SearchProfiles lists profiles matching filter, ordered by username.
func (s *SQLiteStore) SearchProfiles(ctx context.Context, filter ProfileFilter) ([]*Profile, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultProfileLimit
	}
	pattern := "%" + escapeLike(strings.ToLower(filter.Query)) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, created_at
		FROM profiles
		WHERE id != ?
		  AND (LOWER(username) LIKE ? ESCAPE '\' OR LOWER(display_name) LIKE ? ESCAPE '\')
		ORDER BY username ASC
		LIMIT ?
	`, filter.ExcludeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	profiles := []*Profile{}
	for rows.Next() {
		var p Profile
		var createdAtStr string
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		profiles = append(profiles, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profile rows: %w", err)
	}
	return profiles, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern with ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
