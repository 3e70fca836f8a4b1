package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func testIdToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)
	return signed
}

func newTokenServer(t *testing.T, idToken string, grants *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "POST")
		assert.Equal(t, r.URL.Query().Get("key"), "test-api-key")

		err := r.ParseForm()
		assert.Equal(t, err, nil)
		assert.Equal(t, r.PostForm.Get("grant_type"), "refresh_token")
		assert.Equal(t, r.PostForm.Get("refresh_token"), "test-refresh-token")

		*grants += 1
		json.NewEncoder(w).Encode(map[string]string{
			"id_token":      idToken,
			"refresh_token": "test-refresh-token",
			"expires_in":    "3600",
		})
	}))
}

func TestRefresh(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	idToken := testIdToken(t, "user-1", expiresAt)

	grants := 0
	server := newTokenServer(t, idToken, &grants)
	defer server.Close()

	settings := DefaultTokenSourceSettings()
	settings.TokenUrl = server.URL
	tokenSource := NewTokenSource(context.Background(), "test-api-key", "test-refresh-token", settings)

	assert.Equal(t, tokenSource.BearerToken(), "")
	assert.Equal(t, tokenSource.RefreshCount(), int64(0))

	ok, err := tokenSource.Refresh(true)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, grants, 1)
	assert.Equal(t, tokenSource.BearerToken(), idToken)
	assert.Equal(t, tokenSource.RefreshCount(), int64(1))

	// expiry introspected from the exp claim
	assert.Equal(t, tokenSource.ExpiresAt().Unix(), expiresAt.Unix())

	subject, err := tokenSource.Subject()
	assert.Equal(t, err, nil)
	assert.Equal(t, subject, "user-1")

	// a fresh token makes an unforced refresh a no-op
	ok, err = tokenSource.Refresh(false)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, grants, 1)
	assert.Equal(t, tokenSource.RefreshCount(), int64(1))

	// force always exchanges and advances the count
	ok, err = tokenSource.Refresh(true)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, grants, 2)
	assert.Equal(t, tokenSource.RefreshCount(), int64(2))
}

func TestRefreshNearExpiry(t *testing.T) {
	// a token inside the refresh-ahead window refreshes even unforced
	idToken := testIdToken(t, "user-1", time.Now().Add(time.Minute))

	grants := 0
	server := newTokenServer(t, idToken, &grants)
	defer server.Close()

	settings := DefaultTokenSourceSettings()
	settings.TokenUrl = server.URL
	tokenSource := NewTokenSource(context.Background(), "test-api-key", "test-refresh-token", settings)

	ok, err := tokenSource.Refresh(false)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, grants, 1)

	ok, err = tokenSource.Refresh(false)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, grants, 2)
}

func TestRefreshErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"TOKEN_EXPIRED"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	settings := DefaultTokenSourceSettings()
	settings.TokenUrl = server.URL
	tokenSource := NewTokenSource(context.Background(), "test-api-key", "test-refresh-token", settings)

	ok, err := tokenSource.Refresh(true)
	assert.Equal(t, ok, false)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, tokenSource.RefreshCount(), int64(0))
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	tokenSource := NewTokenSourceWithDefaults(context.Background(), "test-api-key", "")
	ok, err := tokenSource.Refresh(true)
	assert.Equal(t, ok, false)
	assert.Equal(t, err, ErrNoRefreshToken)
}

func TestOpaqueTokenFallsBackToExpiresIn(t *testing.T) {
	grants := 0
	server := newTokenServer(t, "opaque-token", &grants)
	defer server.Close()

	settings := DefaultTokenSourceSettings()
	settings.TokenUrl = server.URL
	tokenSource := NewTokenSource(context.Background(), "test-api-key", "test-refresh-token", settings)

	ok, err := tokenSource.Refresh(true)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	remaining := time.Until(tokenSource.ExpiresAt())
	assert.Equal(t, 55*time.Minute < remaining && remaining <= time.Hour, true)
}
