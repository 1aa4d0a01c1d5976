// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	expected := &AuthContext{
		UserID:   "user-123",
		Username: "alice",
	}

	ctx := WithAuth(context.Background(), expected)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() returned nil, expected AuthContext")
	}
	if got.UserID != expected.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, expected.UserID)
	}
	if got.Username != expected.Username {
		t.Errorf("Username = %q, want %q", got.Username, expected.Username)
	}
}

func TestFromContext_Missing(t *testing.T) {
	got := FromContext(context.Background())
	if got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not-an-auth-context")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Present(t *testing.T) {
	expected := &AuthContext{UserID: "user-123"}
	ctx := WithAuth(context.Background(), expected)

	got := MustFromContext(ctx)
	if got.UserID != expected.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, expected.UserID)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic on missing context")
		}
	}()

	MustFromContext(context.Background())
}
