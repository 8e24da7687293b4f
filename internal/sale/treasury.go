package sale

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Withdraw moves amount of asset from the settlement holder to to.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, asset string, to common.Address, amount *uint256.Int) (Withdrawal, error) {
	if err := e.authorize(caller); err != nil {
		return Withdrawal{}, err
	}
	release, err := e.guard.enter()
	if err != nil {
		return Withdrawal{}, err
	}
	defer release()

	if amount == nil || amount.IsZero() {
		return Withdrawal{}, ErrZeroAmount
	}
	r, err := e.lookup(asset)
	if err != nil {
		return Withdrawal{}, err
	}
	balance, err := r.Ledger.BalanceOf(ctx, e.holder)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("read %s balance: %w", r.Symbol, err)
	}
	if amount.Gt(balance) {
		return Withdrawal{}, fmt.Errorf("%w: requested %s, held %s", ErrInsufficientBalance, amount.Dec(), balance.Dec())
	}
	return e.withdraw(ctx, caller, r, to, amount)
}

// WithdrawAll moves the holder's entire balance of asset to to.
func (e *Engine) WithdrawAll(ctx context.Context, caller common.Address, asset string, to common.Address) (Withdrawal, error) {
	if err := e.authorize(caller); err != nil {
		return Withdrawal{}, err
	}
	release, err := e.guard.enter()
	if err != nil {
		return Withdrawal{}, err
	}
	defer release()

	r, err := e.lookup(asset)
	if err != nil {
		return Withdrawal{}, err
	}
	balance, err := r.Ledger.BalanceOf(ctx, e.holder)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("read %s balance: %w", r.Symbol, err)
	}
	if balance.IsZero() {
		return Withdrawal{}, ErrNothingToWithdraw
	}
	return e.withdraw(ctx, caller, r, to, balance)
}

func (e *Engine) withdraw(ctx context.Context, caller common.Address, r *rail, to common.Address, amount *uint256.Int) (Withdrawal, error) {
	if to == (common.Address{}) {
		return Withdrawal{}, fmt.Errorf("%w: recipient", ErrZeroAddress)
	}
	if err := r.Ledger.Transfer(ctx, e.holder, to, amount); err != nil {
		return Withdrawal{}, fmt.Errorf("%w: withdraw %s: %v", ErrTransferFailed, r.Symbol, err)
	}

	w := Withdrawal{
		ID:     uuid.New(),
		Caller: caller,
		Asset:  r.Symbol,
		To:     to,
		Amount: new(uint256.Int).Set(amount),
		At:     e.clock(),
	}
	e.logger.Info().
		Str("withdrawal_id", w.ID.String()).
		Str("asset", w.Asset).
		Str("to", to.Hex()).
		Str("amount", amount.Dec()).
		Msg("treasury withdrawal")

	e.emitWithdrawal(ctx, w)
	return w, nil
}

// BurnUnsold destroys the holder's remaining sale inventory once the sale has ended.
// It returns the burned amount and may run only once.
func (e *Engine) BurnUnsold(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	release, err := e.guard.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	burner, ok := e.saleToken.(Burner)
	if !ok {
		return nil, errors.New("sale token ledger cannot burn")
	}

	st := e.State()
	if st.UnsoldBurned {
		return nil, ErrAlreadyExecuted
	}
	end, ok := SaleEnd(e.Config(), st)
	if !ok || e.clock().Before(end) {
		return nil, ErrSaleNotEnded
	}

	remaining, err := e.saleToken.BalanceOf(ctx, e.holder)
	if err != nil {
		return nil, fmt.Errorf("read holder inventory: %w", err)
	}
	if !remaining.IsZero() {
		if err := burner.Burn(ctx, caller, e.holder, remaining); err != nil {
			return nil, fmt.Errorf("%w: burn unsold: %v", ErrTransferFailed, err)
		}
	}

	e.stateMu.Lock()
	e.state.UnsoldBurned = true
	e.stateMu.Unlock()

	e.logger.Info().Str("amount", remaining.Dec()).Msg("unsold inventory burned")
	return remaining, nil
}

// Burned reports whether BurnUnsold has run.
func (e *Engine) Burned() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state.UnsoldBurned
}
