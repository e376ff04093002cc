package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcules/forecast-inference/internal/store"
)

const (
	keyPrefix = "fk-"
	// prefixLen is the visible part of a key kept in clear for lookup.
	prefixLen = len(keyPrefix) + 8
)

var ErrInvalidKey = errors.New("invalid API key")

type KeyStore interface {
	CreateAPIKey(ctx context.Context, record store.APIKeyRecord) error
	FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKeyRecord, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

type Authenticator struct {
	Store KeyStore

	// Required turns the middleware on. When false every request passes.
	Required bool

	// Cost is the bcrypt cost for new keys.
	Cost int

	log *zap.Logger
}

func NewAuthenticator(keys KeyStore, required bool, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{Store: keys, Required: required, Cost: bcrypt.DefaultCost, log: log.Named("auth")}
}

// GenerateKey creates a new API key and stores its bcrypt hash. The plaintext
// is returned once and never stored.
func (a *Authenticator) GenerateKey(ctx context.Context, name string) (string, store.APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	key := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), a.Cost)
	if err != nil {
		return "", store.APIKeyRecord{}, err
	}

	record := store.APIKeyRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Prefix:    key[:prefixLen],
		HashedKey: string(hash),
		CreatedAt: time.Now(),
	}

	if err := a.Store.CreateAPIKey(ctx, record); err != nil {
		return "", store.APIKeyRecord{}, err
	}
	return key, record, nil
}

// Authenticate resolves a plaintext key to its record.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (store.APIKeyRecord, error) {
	if len(key) < prefixLen || !strings.HasPrefix(key, keyPrefix) {
		return store.APIKeyRecord{}, ErrInvalidKey
	}
	candidates, err := a.Store.FindAPIKeysByPrefix(ctx, key[:prefixLen])
	if err != nil {
		return store.APIKeyRecord{}, err
	}
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.HashedKey), []byte(key)) == nil {
			return c, nil
		}
	}
	return store.APIKeyRecord{}, ErrInvalidKey
}

// Middleware checks the Authorization (Bearer) or X-API-Key header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Required {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := credentials(r)
		if !ok {
			deny(w, "missing API key")
			return
		}

		rec, err := a.Authenticate(r.Context(), key)
		if errors.Is(err, ErrInvalidKey) {
			deny(w, "invalid API key")
			return
		}
		if err != nil {
			a.log.Error("key lookup failed", zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "internal server error"})
			return
		}

		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
				a.log.Warn("update last used", zap.String("key_id", id), zap.Error(err))
			}
		}(rec.ID)

		next.ServeHTTP(w, r)
	})
}

func credentials(r *http.Request) (string, bool) {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k, true
	}
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func deny(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="forecast"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
