package relay

import (
	"sync"

	"github.com/2gc-dev/wgx/pkg/config"
)

// AllowList is the mutable set of public keys permitted to complete a
// handshake with the relay, or the wildcard "all". It is swapped atomically
// by config reload — never mutated field-by-field under a partial lock.
// Control Channel commands do not change it; they change the calling peer's
// counterparty set instead (see ControlChannel.Handle).
type AllowList struct {
	mu       sync.RWMutex
	wildcard bool
	keys     map[[32]byte]struct{}
}

// NewAllowListFromConfig parses the config-file representation of the
// AllowList (literal "all" or a comma-separated base64 key list).
func NewAllowListFromConfig(raw string) (*AllowList, error) {
	keys, wildcard, err := config.ParseAllowedPublicKeys(raw)
	if err != nil {
		return nil, err
	}
	al := &AllowList{wildcard: wildcard, keys: make(map[[32]byte]struct{}, len(keys))}
	for _, k := range keys {
		al.keys[k] = struct{}{}
	}
	return al, nil
}

// Allowed reports whether pub may complete a handshake with the relay.
func (a *AllowList) Allowed(pub [32]byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.wildcard {
		return true
	}
	_, ok := a.keys[pub]
	return ok
}

// Wildcard reports whether the AllowList is currently the "all" wildcard.
// The Forwarder does not consult it: it requires an explicit counterparty
// declaration whether or not the wildcard is set (see the
// AllowedPublicKeys=all policy decision in DESIGN.md).
func (a *AllowList) Wildcard() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.wildcard
}

// Replace atomically swaps in a new key set (a config reload).
func (a *AllowList) Replace(keys [][32]byte, wildcard bool) {
	next := make(map[[32]byte]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}
	a.mu.Lock()
	a.wildcard = wildcard
	a.keys = next
	a.mu.Unlock()
}

// Add authorizes a single additional key without disturbing the rest of the
// set. No-op under the wildcard.
func (a *AllowList) Add(pub [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wildcard {
		return
	}
	a.keys[pub] = struct{}{}
}

// Remove revokes a single key. No-op under the wildcard, matching Add's
// symmetry.
func (a *AllowList) Remove(pub [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wildcard {
		return
	}
	delete(a.keys, pub)
}
