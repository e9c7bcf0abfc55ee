package scrape

import (
	"context"
	"log"
	"sync"
)

// Credentials is the token pair a provider authenticates with. Providers
// that only need a single token (Twitter guest tokens) leave RefreshToken
// empty.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// SharedCredentials is the per-provider-kind credential slot. All concurrent
// scrapes of a kind read the same slot; refresh and re-login serialize
// through the write lock. The slot starts empty and stays empty until the
// first login succeeds.
type SharedCredentials struct {
	mu    sync.RWMutex
	creds *Credentials
}

func NewSharedCredentials() *SharedCredentials {
	return &SharedCredentials{}
}

// Read returns a snapshot of the current credentials. ok is false while the
// slot has never been filled.
func (s *SharedCredentials) Read() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Replace swaps in freshly obtained credentials.
func (s *SharedCredentials) Replace(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := creds
	s.creds = &c
}

// ReplaceIfCurrent swaps in new credentials only if the slot still holds the
// access token the caller observed failing. A concurrent scrape may have
// already refreshed; clobbering its result would invalidate a good token.
func (s *SharedCredentials) ReplaceIfCurrent(observed string, creds Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != nil && s.creds.AccessToken != observed {
		return false
	}
	c := creds
	s.creds = &c
	return true
}

// InitializeCredentials performs the one-time startup login for a provider
// that requires auth. A failed login leaves the slot empty; every scrape of
// that kind then exits with NotInitialized until the process restarts.
func InitializeCredentials(ctx context.Context, p Provider) {
	if !p.RequiresAuth() {
		return
	}
	creds, err := p.Login(ctx)
	if err != nil {
		log.Printf("[Credentials] initial login failed provider=%s err=%v", p.Kind(), err)
		return
	}
	p.Credentials().Replace(creds)
	log.Printf("[Credentials] initialized provider=%s", p.Kind())
}
