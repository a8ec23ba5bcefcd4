// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	expected := &AuthContext{
		PrincipalID: "test-id",
	}

	ctx := WithAuth(context.Background(), expected)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() = nil, want non-nil")
	}

	if got.PrincipalID != expected.PrincipalID {
		t.Errorf("PrincipalID = %q, want %q", got.PrincipalID, expected.PrincipalID)
	}
}

func TestFromContext_Missing(t *testing.T) {
	ctx := context.Background()
	got := FromContext(ctx)

	if got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}
