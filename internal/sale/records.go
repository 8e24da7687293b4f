package sale

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Sale is emitted once per settled purchase.
type Sale struct {
	ID        uuid.UUID
	Buyer     common.Address
	Quantity  *uint256.Int
	Asset     string
	Required  *uint256.Int
	Paid      *uint256.Int
	Refunded  *uint256.Int
	UnitPrice *uint256.Int
	Stage     int
	At        time.Time
}

// Withdrawal is emitted once per treasury extraction.
type Withdrawal struct {
	ID     uuid.UUID
	Caller common.Address
	Asset  string
	To     common.Address
	Amount *uint256.Int
	At     time.Time
}

// Recorder receives the settlement log.
type Recorder interface {
	RecordSale(ctx context.Context, sale Sale) error
	RecordWithdrawal(ctx context.Context, w Withdrawal) error
}

func (e *Engine) emitSale(ctx context.Context, s Sale) {
	for _, r := range e.recorders {
		if err := r.RecordSale(ctx, s); err != nil {
			e.logger.Error().Err(err).Str("sale_id", s.ID.String()).Msg("failed to record sale")
		}
	}
}

func (e *Engine) emitWithdrawal(ctx context.Context, w Withdrawal) {
	for _, r := range e.recorders {
		if err := r.RecordWithdrawal(ctx, w); err != nil {
			e.logger.Error().Err(err).Str("withdrawal_id", w.ID.String()).Msg("failed to record withdrawal")
		}
	}
}

// MemoryRecorder keeps records in memory.
type MemoryRecorder struct {
	mu          sync.Mutex
	sales       []Sale
	withdrawals []Withdrawal
}

func (m *MemoryRecorder) RecordSale(ctx context.Context, s Sale) error {
	m.mu.Lock()
	m.sales = append(m.sales, s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecorder) RecordWithdrawal(ctx context.Context, w Withdrawal) error {
	m.mu.Lock()
	m.withdrawals = append(m.withdrawals, w)
	m.mu.Unlock()
	return nil
}

// Sales returns a copy of the recorded sales.
func (m *MemoryRecorder) Sales() []Sale {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sale(nil), m.sales...)
}

// Withdrawals returns a copy of the recorded withdrawals.
func (m *MemoryRecorder) Withdrawals() []Withdrawal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Withdrawal(nil), m.withdrawals...)
}

var _ Recorder = (*MemoryRecorder)(nil)
