package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcules/forecast-inference/internal/store"
)

type memKeys struct {
	mu   sync.Mutex
	recs []store.APIKeyRecord
	used map[string]int
}

func (m *memKeys) CreateAPIKey(_ context.Context, r store.APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memKeys) FindAPIKeysByPrefix(_ context.Context, prefix string) ([]store.APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.APIKeyRecord
	for _, r := range m.recs {
		if r.Prefix == prefix {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memKeys) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used == nil {
		m.used = map[string]int{}
	}
	m.used[id]++
	return nil
}

func newTestAuth(required bool) (*Authenticator, *memKeys) {
	keys := &memKeys{}
	a := NewAuthenticator(keys, required, nil)
	a.Cost = bcrypt.MinCost
	return a, keys
}

func TestGenerateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	a, keys := newTestAuth(true)

	key, rec, err := a.GenerateKey(ctx, "consumer")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "fk-"))
	assert.Len(t, key, 3+48)
	assert.Equal(t, key[:11], rec.Prefix)
	assert.NotContains(t, rec.HashedKey, key)
	require.Len(t, keys.recs, 1)

	got, err := a.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	tampered := []byte(key)
	if tampered[len(tampered)-1] == '0' {
		tampered[len(tampered)-1] = '1'
	} else {
		tampered[len(tampered)-1] = '0'
	}
	_, err = a.Authenticate(ctx, string(tampered))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = a.Authenticate(ctx, "short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMiddleware(t *testing.T) {
	a, _ := newTestAuth(true)
	key, _, err := a.GenerateKey(context.Background(), "ops")
	require.NoError(t, err)

	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "bad scheme", header: map[string]string{"Authorization": "Basic abc"}, want: http.StatusUnauthorized},
		{name: "wrong key", header: map[string]string{"Authorization": "Bearer fk-0000000000000000"}, want: http.StatusUnauthorized},
		{name: "bearer", header: map[string]string{"Authorization": "Bearer " + key}, want: http.StatusNoContent},
		{name: "x-api-key", header: map[string]string{"X-API-Key": key}, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/predict", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"detail"`)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	a, _ := newTestAuth(false)
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
