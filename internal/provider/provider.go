// Package provider adapts external health-data providers to the parser
// boundary: each adapter yields one candidate stream per sync run,
// carrying its own auth and rate-limit state so nothing provider-specific
// leaks into process-global scope.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-health/vitals-cli/internal/fetcher"
	"github.com/meridian-health/vitals-cli/internal/parser"
	"github.com/meridian-health/vitals-cli/internal/resilience"
)

// Token is an opaque provider access credential. The OAuth handshake that
// produces it lives outside this module; adapters only present it.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the token needs a refresh before use.
func (t Token) Expired() bool {
	return t.AccessToken == "" || (!t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt))
}

// SyncContext carries everything one sync run owns exclusively: the user,
// the incremental watermark, the credential, and the adapter's rate and
// failure state. Two concurrent runs never share a SyncContext.
type SyncContext struct {
	UserID  string
	Since   time.Time
	Token   Token
	Limiter *fetcher.AdaptiveLimiter
	Breaker *resilience.Breaker
}

// NewSyncContext builds a SyncContext with a fresh adaptive limiter and the
// provider's circuit breaker from the shared registry.
func NewSyncContext(userID string, since time.Time, token Token, breakers *resilience.ProviderBreakers, providerName string) *SyncContext {
	return &SyncContext{
		UserID:  userID,
		Since:   since,
		Token:   token,
		Limiter: fetcher.NewAdaptiveLimiter(5, 5),
		Breaker: breakers.Get(providerName),
	}
}

// Adapter turns one provider's native payloads into a candidate stream.
// Sync must return promptly; the heavy lifting happens on the stream's
// producing goroutine.
type Adapter interface {
	Name() string
	Sync(ctx context.Context, sc *SyncContext) (*parser.Stream, error)
}

// Registry holds the configured adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, rejecting duplicate names.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return eris.Errorf("provider: adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Errorf("provider: unknown adapter %q", name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
