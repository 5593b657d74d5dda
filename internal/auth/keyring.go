package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ashita-ai/hikaku/internal/model"
)

// ErrInvalidCredentials is returned for an unknown principal and for a wrong key.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Keyring holds the configured operators with their API keys hashed. Plain
// keys are never retained.
type Keyring struct {
	mu        sync.RWMutex
	operators map[string]model.Operator
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{operators: make(map[string]model.Operator)}
}

// Add hashes apiKey and registers the operator, replacing any previous entry
// for the same principal.
func (k *Keyring) Add(principal string, role model.OperatorRole, apiKey string) error {
	if err := model.ValidatePrincipal(principal); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if model.RoleRank(role) == 0 {
		return fmt.Errorf("auth: unknown role %q", role)
	}
	if apiKey == "" {
		return fmt.Errorf("auth: empty api key for %s", principal)
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.operators[principal] = model.Operator{Principal: principal, Role: role, APIKeyHash: hash}
	k.mu.Unlock()
	return nil
}

// Len returns the number of registered operators.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.operators)
}

// Authenticate verifies the key for principal.
func (k *Keyring) Authenticate(principal, apiKey string) (model.Operator, error) {
	k.mu.RLock()
	op, ok := k.operators[principal]
	k.mu.RUnlock()
	if !ok {
		DummyVerify()
		return model.Operator{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, op.APIKeyHash)
	if err != nil {
		return model.Operator{}, err
	}
	if !valid {
		return model.Operator{}, ErrInvalidCredentials
	}
	return op, nil
}
