package auth

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotOwner is returned when a privileged call comes from anyone but the owner.
	ErrNotOwner = errors.New("auth: caller is not the owner")
	// ErrZeroOwner is returned when ownership would be handed to the zero address.
	ErrZeroOwner = errors.New("auth: owner cannot be the zero address")
)

// Gate decides whether caller may invoke a privileged operation.
type Gate interface {
	Authorize(caller common.Address) error
}

// Owner is a single-owner Gate.
type Owner struct {
	mu    sync.RWMutex
	owner common.Address
}

// NewOwner returns a gate owned by owner.
func NewOwner(owner common.Address) (*Owner, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroOwner
	}
	return &Owner{owner: owner}, nil
}

// Authorize implements Gate.
func (o *Owner) Authorize(caller common.Address) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if caller != o.owner {
		return ErrNotOwner
	}
	return nil
}

// Address returns the current owner.
func (o *Owner) Address() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// TransferOwnership hands the gate to next. Only the current owner may call it.
func (o *Owner) TransferOwnership(caller, next common.Address) error {
	if next == (common.Address{}) {
		return ErrZeroOwner
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if caller != o.owner {
		return ErrNotOwner
	}
	o.owner = next
	return nil
}

var _ Gate = (*Owner)(nil)
