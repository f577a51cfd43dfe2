package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomhub/internal/store"
)

func newTestTokens(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(TokenConfig{Secret: "test-secret", TTL: time.Hour})
	require.NoError(t, err)
	return m
}

func TestTokenManagerIssueAndValidate(t *testing.T) {
	m := newTestTokens(t)

	token, err := m.Issue(42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewTokenManager(TokenConfig{})
	assert.Error(t, err)
}

func TestTokenManagerExpired(t *testing.T) {
	m := newTestTokens(t)
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }

	token, err := m.Issue(1)
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenManagerRejectsForeignTokens(t *testing.T) {
	m := newTestTokens(t)

	other, err := NewTokenManager(TokenConfig{Secret: "other-secret"})
	require.NoError(t, err)
	forged, err := other.Issue(1)
	require.NoError(t, err)

	_, err = m.Validate(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(4)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.True(t, h.Verify("correct horse", hash))
	assert.False(t, h.Verify("battery staple", hash))
	assert.False(t, h.Verify("correct horse", "not-a-hash"))
}

type fakeUsers map[int64]*store.User

func (f fakeUsers) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	if id == 500 {
		return nil, errors.New("database down")
	}
	user, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return user, nil
}

func TestRequireUser(t *testing.T) {
	m := newTestTokens(t)
	users := fakeUsers{7: {ID: 7, Name: "alice"}}
	mw := NewMiddleware(m, users, zerolog.Nop())

	handler := mw.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(user.Name))
	}))

	valid, err := m.Issue(7)
	require.NoError(t, err)
	unknown, err := m.Issue(8)
	require.NoError(t, err)
	broken, err := m.Issue(500)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "bearer header", header: "Bearer " + valid, status: http.StatusOK},
		{name: "query token", query: valid, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer garbage", status: http.StatusUnauthorized},
		{name: "unknown user", header: "Bearer " + unknown, status: http.StatusUnauthorized},
		{name: "lookup failure", header: "Bearer " + broken, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/rooms"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", rec.Body.String())
			} else {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestUserFromContextEmpty(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)
}
