package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSessionSigningSecret = "secret"

func mustIssueToken(t *testing.T, now time.Time, ttl time.Duration, identity OperatorIdentity) string {
	t.Helper()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      ttl,
		Clock:         func() time.Time { return now },
	})
	token, _, err := issuer.IssueOperatorToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		SiteID:        "site-001",
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token := mustIssueToken(t, clockNow.Add(-time.Minute), time.Hour, OperatorIdentity{Subject: "operator-1", SiteID: "site-001"})
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token := mustIssueToken(t, clockNow.Add(-2*time.Hour), time.Hour, OperatorIdentity{Subject: "operator-1"})
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsOtherSite(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		SiteID:        "site-001",
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	token := mustIssueToken(t, clockNow, time.Hour, OperatorIdentity{Subject: "operator-1", SiteID: "site-999"})
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrSessionSiteMismatch) {
		t.Fatalf("expected site mismatch error, got %v", err)
	}

	unscoped := mustIssueToken(t, clockNow, time.Hour, OperatorIdentity{Subject: "operator-1"})
	if _, err := validator.ValidateToken(unscoped); !errors.Is(err, ErrSessionSiteMismatch) {
		t.Fatalf("expected token without site to be rejected, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesBearerAndCookie(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	token := mustIssueToken(t, clockNow, time.Hour, OperatorIdentity{Subject: "operator-2"})

	bearerRequest := httptest.NewRequest(http.MethodGet, "/api/v1/edge/state", nil)
	bearerRequest.Header.Set("Authorization", "Bearer "+token)
	if _, err := validator.ValidateRequest(bearerRequest); err != nil {
		t.Fatalf("expected bearer token to validate: %v", err)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/api/v1/edge/state", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: defaultSessionCookieName, Value: token})
	if _, err := validator.ValidateRequest(cookieRequest); err != nil {
		t.Fatalf("expected cookie token to validate: %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/api/v1/edge/state", nil)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
