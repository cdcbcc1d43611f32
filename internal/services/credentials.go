package services

import (
	"errors"
	"sync"
)

var ErrNoCredentials = errors.New("credential pool is empty")

// CredentialPool holds interchangeable backend credentials and hands out the
// current one. Rotation walks the list round-robin and never fails.
type CredentialPool struct {
	mu          sync.Mutex
	credentials []string
	index       int
}

func NewCredentialPool(credentials []string) (*CredentialPool, error) {
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}
	owned := make([]string, len(credentials))
	copy(owned, credentials)
	return &CredentialPool{credentials: owned}, nil
}

func (p *CredentialPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credentials[p.index]
}

// Rotate advances to the next credential and returns it.
func (p *CredentialPool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = (p.index + 1) % len(p.credentials)
	return p.credentials[p.index]
}

func (p *CredentialPool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

func (p *CredentialPool) Len() int {
	return len(p.credentials)
}
