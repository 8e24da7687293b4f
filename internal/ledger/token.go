// Package ledger provides an in-process fungible token ledger used as the
// settlement engine's balance collaborator.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"presale-settlement/internal/auth"
)

var (
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrZeroAddress           = errors.New("ledger: zero address")
	ErrSupplyOverflow        = errors.New("ledger: supply overflow")
)

// TransferGuard may veto a movement of funds. Mints call it with from set to
// the zero address, burns with to set to the zero address.
type TransferGuard func(from, to common.Address) error

// Token is a mutex-protected balance book for one asset.
type Token struct {
	symbol   string
	decimals uint8
	gate     auth.Gate

	mu         sync.RWMutex
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
	guard      TransferGuard
}

// NewToken creates an empty token whose mint and burn are gated by gate.
func NewToken(symbol string, decimals uint8, gate auth.Gate) *Token {
	return &Token{
		symbol:     symbol,
		decimals:   decimals,
		gate:       gate,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// Symbol returns the asset symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the asset precision.
func (t *Token) Decimals() uint8 { return t.decimals }

// SetTransferGuard installs the policy consulted before every balance movement.
func (t *Token) SetTransferGuard(guard TransferGuard) {
	t.mu.Lock()
	t.guard = guard
	t.mu.Unlock()
}

// BalanceOf returns a copy of holder's balance.
func (t *Token) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(holder), nil
}

// TotalSupply returns the outstanding supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(t.supply)
}

// Transfer moves amount from one holder to another.
func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// Approve sets the amount spender may pull from owner.
func (t *Token) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = byOwner
	}
	byOwner[spender] = new(uint256.Int).Set(amount)
	return nil
}

// Allowance returns what spender may still pull from owner.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if allowed, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(allowed), nil
	}
	return new(uint256.Int), nil
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed, ok := t.allowances[from][spender]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("%w: %s pulling %s from %s", ErrInsufficientAllowance, spender.Hex(), amount.Dec(), from.Hex())
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// Mint credits amount to to. Only the gate owner may mint.
func (t *Token) Mint(ctx context.Context, caller, to common.Address, amount *uint256.Int) error {
	if err := t.gate.Authorize(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.guard != nil {
		if err := t.guard(common.Address{}, to); err != nil {
			return err
		}
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	t.supply = supply
	t.credit(to, amount)
	return nil
}

// Burn destroys amount held by from. Only the gate owner may burn.
func (t *Token) Burn(ctx context.Context, caller, from common.Address, amount *uint256.Int) error {
	if err := t.gate.Authorize(caller); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.guard != nil {
		if err := t.guard(from, common.Address{}); err != nil {
			return err
		}
	}
	balance := t.balanceLocked(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientFunds, from.Hex(), balance.Dec(), amount.Dec())
	}
	t.balances[from] = balance.Sub(balance, amount)
	t.supply.Sub(t.supply, amount)
	return nil
}

func (t *Token) moveLocked(from, to common.Address, amount *uint256.Int) error {
	if t.guard != nil {
		if err := t.guard(from, to); err != nil {
			return err
		}
	}
	balance := t.balanceLocked(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, moving %s", ErrInsufficientFunds, from.Hex(), balance.Dec(), amount.Dec())
	}
	t.balances[from] = balance.Sub(balance, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(to common.Address, amount *uint256.Int) {
	balance := t.balanceLocked(to)
	t.balances[to] = balance.Add(balance, amount)
}

func (t *Token) balanceLocked(holder common.Address) *uint256.Int {
	if balance, ok := t.balances[holder]; ok {
		return new(uint256.Int).Set(balance)
	}
	return new(uint256.Int)
}
