// Package hashchain signs run events into a per-run HMAC chain. Each event
// hash covers the previous hash and the canonical payload bytes under the
// currently active audit key; verification uses the key recorded on the
// event, so rotated-out keys must stay resident for as long as any stored
// event references them.
package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
)

// DefaultKID names the key created from a bare AUDIT_SECRET.
const DefaultKID = "k0"

// KeyRegistry holds the audit keys. Exactly one key is active at any time.
// Keys are never silently dropped: rotation retains the prior key inactive.
type KeyRegistry struct {
	mu     sync.RWMutex
	keys   map[string]contracts.AuditKey
	active string
	clock  func() time.Time
}

// NewKeyRegistry builds a registry from an explicit key set. Exactly one
// entry must be active and every kid must be unique.
func NewKeyRegistry(keys []contracts.AuditKey) (*KeyRegistry, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hashchain: key registry requires at least one key")
	}
	r := &KeyRegistry{keys: make(map[string]contracts.AuditKey, len(keys)), clock: time.Now}
	for _, k := range keys {
		if k.KID == "" {
			return nil, fmt.Errorf("hashchain: key with empty kid")
		}
		if len(k.Secret) == 0 {
			return nil, fmt.Errorf("hashchain: key %s has empty secret", k.KID)
		}
		if _, dup := r.keys[k.KID]; dup {
			return nil, fmt.Errorf("hashchain: duplicate kid %s", k.KID)
		}
		r.keys[k.KID] = k
		if k.Active {
			if r.active != "" {
				return nil, fmt.Errorf("hashchain: multiple active keys (%s, %s)", r.active, k.KID)
			}
			r.active = k.KID
		}
	}
	if r.active == "" {
		return nil, fmt.Errorf("hashchain: no active key")
	}
	return r, nil
}

// FromSecret builds a single-key registry with kid "k0".
func FromSecret(secret string) (*KeyRegistry, error) {
	return NewKeyRegistry([]contracts.AuditKey{{KID: DefaultKID, Secret: []byte(secret), Active: true, CreatedAt: time.Now().UTC()}})
}

// keyJSON is the AUDIT_KEYS_JSON wire shape.
type keyJSON struct {
	KID    string `json:"kid"`
	Secret string `json:"secret"`
	Active bool   `json:"active"`
}

// ParseKeysJSON builds a registry from an AUDIT_KEYS_JSON document:
// a list of {kid, secret, active}.
func ParseKeysJSON(doc string) (*KeyRegistry, error) {
	var raw []keyJSON
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("hashchain: parse AUDIT_KEYS_JSON: %w", err)
	}
	keys := make([]contracts.AuditKey, 0, len(raw))
	now := time.Now().UTC()
	for _, k := range raw {
		keys = append(keys, contracts.AuditKey{KID: k.KID, Secret: []byte(k.Secret), Active: k.Active, CreatedAt: now})
	}
	return NewKeyRegistry(keys)
}

// Active returns the currently active key.
func (r *KeyRegistry) Active() contracts.AuditKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[r.active]
}

// Get returns the key for kid, active or not.
func (r *KeyRegistry) Get(kid string) (contracts.AuditKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok {
		return contracts.AuditKey{}, fmt.Errorf("hashchain: unknown kid %s; a registry missing a referenced kid is data loss", kid)
	}
	return k, nil
}

// Rotate installs a new active key. The prior active key is marked inactive
// but retained for verification of historical chains.
func (r *KeyRegistry) Rotate(kid string, secret []byte) error {
	if kid == "" || len(secret) == 0 {
		return fmt.Errorf("hashchain: rotation requires kid and secret")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[kid]; exists {
		return fmt.Errorf("hashchain: kid %s already present", kid)
	}
	prior := r.keys[r.active]
	prior.Active = false
	r.keys[prior.KID] = prior
	r.keys[kid] = contracts.AuditKey{KID: kid, Secret: secret, Active: true, CreatedAt: r.clock().UTC()}
	r.active = kid
	return nil
}

// Keys returns a snapshot of all resident keys.
func (r *KeyRegistry) Keys() []contracts.AuditKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.AuditKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	return out
}

// Chain signs and verifies event hashes over an injected key registry. The
// chain itself is stateless; prev-hash threading belongs to the store.
type Chain struct {
	reg *KeyRegistry
}

// New creates a Chain over the given registry.
func New(reg *KeyRegistry) *Chain {
	return &Chain{reg: reg}
}

// Registry exposes the underlying key registry.
func (c *Chain) Registry() *KeyRegistry { return c.reg }

// Sign computes HMAC-SHA256(secret, prev_hash || "|" || canonical) under the
// active key and returns the hex hash plus the signing kid.
func (c *Chain) Sign(prevHash string, canonical []byte) (hash, kid string) {
	key := c.reg.Active()
	return mac(key.Secret, prevHash, canonical), key.KID
}

// Verify recomputes the hash under the recorded kid.
func (c *Chain) Verify(prevHash string, canonical []byte, hash, kid string) (bool, error) {
	key, err := c.reg.Get(kid)
	if err != nil {
		return false, err
	}
	expected := mac(key.Secret, prevHash, canonical)
	return hmac.Equal([]byte(expected), []byte(hash)), nil
}

func mac(secret []byte, prevHash string, canonical []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(prevHash))
	m.Write([]byte("|"))
	m.Write(canonical)
	return hex.EncodeToString(m.Sum(nil))
}
