package nle

import (
	"sync"
	"time"
)

// Credentials holds the bearer token and whether the backend last accepted it
type Credentials struct {
	mu           sync.RWMutex
	apiKey       string
	rejected     bool
	lastAccepted time.Time
}

// NewCredentials creates a credential holder for apiKey (may be empty)
func NewCredentials(apiKey string) *Credentials {
	return &Credentials{apiKey: apiKey}
}

// SetAPIKey replaces the key and clears any previous rejection
func (c *Credentials) SetAPIKey(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
	c.rejected = false
}

// APIKey returns the current key
func (c *Credentials) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// HasAPIKey returns true if a key is set
func (c *Credentials) HasAPIKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

// MarkRejected records a 401 for the current key
func (c *Credentials) MarkRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
}

// MarkAccepted records a successful authenticated request
func (c *Credentials) MarkAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = false
	c.lastAccepted = time.Now()
}

// Rejected returns true if the backend refused the current key
func (c *Credentials) Rejected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rejected
}

// LastAccepted returns the time of the last successful request
func (c *Credentials) LastAccepted() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAccepted
}
