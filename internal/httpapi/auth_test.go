package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
	"pharmaerp/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key", time.Hour, memory.NewSeeded())
}

func TestTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	resp, err := auth.Login(ctx, domain.LoginRequest{Email: "admin@pharmaerp.local", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := auth.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.ID != "user-admin" || actor.Email != "admin@pharmaerp.local" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-different-secret", time.Hour, memory.NewSeeded())

	resp, err := other.Login(context.Background(), domain.LoginRequest{Email: "admin@pharmaerp.local", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.Token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager("test-secret-key", -time.Minute, memory.NewSeeded())
	// NewAuthManager clamps non-positive TTLs, so sign directly with a past expiry.
	user := &domain.User{ID: "user-x", Name: "X", Email: "x@pharmaerp.local", Role: domain.RoleSalesAgent}
	token, err := auth.sign(user, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth := newTestAuth(t)
	_, err := auth.Login(context.Background(), domain.LoginRequest{Email: "admin@pharmaerp.local", Password: "nope"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	auth := newTestAuth(t)
	_, err := auth.Login(context.Background(), domain.LoginRequest{Email: "ghost@pharmaerp.local", Password: "whatever"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.RegisterRequest
	}{
		{"missing name", domain.RegisterRequest{Email: "a@b.local", Password: "secret123"}},
		{"bad email", domain.RegisterRequest{Name: "A", Email: "not-an-email", Password: "secret123"}},
		{"short password", domain.RegisterRequest{Name: "A", Email: "a@b.local", Password: "abc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.Register(ctx, tc.req, nil); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegisterIgnoresRoleWithoutAdminActor(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, domain.RegisterRequest{
		Name: "Escalator", Email: "esc@pharmaerp.local", Password: "secret123", Role: domain.RoleAdmin,
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != domain.RoleSalesAgent {
		t.Fatalf("expected SalesAgent, got %s", user.Role)
	}

	manager := &domain.Actor{ID: "user-manager", Role: domain.RoleManager}
	user, err = auth.Register(ctx, domain.RegisterRequest{
		Name: "Escalator2", Email: "esc2@pharmaerp.local", Password: "secret123", Role: domain.RoleAdmin,
	}, manager)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != domain.RoleSalesAgent {
		t.Fatalf("expected non-admin actor ignored for role assignment, got %s", user.Role)
	}
}

func TestRegisterAdminAssignsRole(t *testing.T) {
	auth := newTestAuth(t)
	admin := &domain.Actor{ID: "user-admin", Role: domain.RoleAdmin}

	user, err := auth.Register(context.Background(), domain.RegisterRequest{
		Name: "New Manager", Email: "nm@pharmaerp.local", Password: "secret123", Role: domain.RoleManager,
	}, admin)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != domain.RoleManager {
		t.Fatalf("expected Manager, got %s", user.Role)
	}

	if _, err := auth.Register(context.Background(), domain.RegisterRequest{
		Name: "Bad Role", Email: "br@pharmaerp.local", Password: "secret123", Role: "Superuser",
	}, admin); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	auth := newTestAuth(t)
	if _, err := auth.Register(context.Background(), domain.RegisterRequest{
		Name: "Dup", Email: "admin@pharmaerp.local", Password: "secret123",
	}, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
