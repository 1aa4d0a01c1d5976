// ABOUTME: Identity Provider over the profiles collection
// ABOUTME: Answers "is this a known identity" and checks bcrypt passwords for token issuance

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-chat/internal/store"
)

// ErrInvalidCredentials is returned when a username/password pair does not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// ProfileStore defines the profile storage the identity provider needs
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *store.Profile) error
	GetProfile(ctx context.Context, id string) (*store.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*store.Profile, error)
}

// IdentityProvider resolves users against stored profiles
type IdentityProvider struct {
	profiles ProfileStore
}

// NewIdentityProvider creates an IdentityProvider backed by profiles
func NewIdentityProvider(profiles ProfileStore) *IdentityProvider {
	return &IdentityProvider{profiles: profiles}
}

// Exists reports whether userID names a stored profile
func (p *IdentityProvider) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := p.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the profile for userID
func (p *IdentityProvider) Lookup(ctx context.Context, userID string) (*store.Profile, error) {
	return p.profiles.GetProfile(ctx, userID)
}

// Register creates a profile with a bcrypt-hashed password
func (p *IdentityProvider) Register(ctx context.Context, username, displayName, password string) (*store.Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}

	profile := &store.Profile{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.profiles.CreateProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	return profile, nil
}

// Authenticate checks a username/password pair and returns the matching profile
func (p *IdentityProvider) Authenticate(ctx context.Context, username, password string) (*store.Profile, error) {
	profile, err := p.profiles.GetProfileByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if profile.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return profile, nil
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
