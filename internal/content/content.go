// Package content provides the content fingerprinting and pinning boundary.
// Question and answer bodies are hashed for on-chain reference and pinned to
// a content-addressable store; both operations are synchronous and
// side-effect-free from the reconciler's point of view.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Fingerprint returns the hex-encoded SHA-256 digest of the content body.
func Fingerprint(body string) string {
	sum := sha256.Sum256([]byte(body))
	return "0x" + hex.EncodeToString(sum[:])
}

// Pinner stores content and returns a stable content reference.
type Pinner interface {
	Pin(ctx context.Context, body string) (ref string, err error)
}

// URI renders a pinned reference as the URI passed to the escrow contract.
func URI(ref string) string {
	if ref == "" {
		return ""
	}
	return "ipfs://" + ref
}

// MemoryPinner is an in-process Pinner for tests and local development. The
// reference is derived from the content hash, so pinning is idempotent.
type MemoryPinner struct {
	mu     sync.RWMutex
	pinned map[string]string // ref -> body
}

// NewMemoryPinner creates an empty pinner.
func NewMemoryPinner() *MemoryPinner {
	return &MemoryPinner{pinned: make(map[string]string)}
}

func (p *MemoryPinner) Pin(_ context.Context, body string) (string, error) {
	sum := sha256.Sum256([]byte(body))
	ref := fmt.Sprintf("bafk%x", sum[:16])

	p.mu.Lock()
	p.pinned[ref] = body
	p.mu.Unlock()
	return ref, nil
}

// Get returns previously pinned content, for tests.
func (p *MemoryPinner) Get(ref string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	body, ok := p.pinned[ref]
	return body, ok
}
