package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaleRecord is a settled purchase. Amounts are base units of their asset.
type SaleRecord struct {
	ID        uuid.UUID
	Buyer     string
	Asset     string
	Quantity  decimal.Decimal
	Required  decimal.Decimal
	Paid      decimal.Decimal
	Refunded  decimal.Decimal
	UnitPrice decimal.Decimal
	Stage     int
	SettledAt time.Time
	CreatedAt time.Time
}

// WithdrawalRecord is a treasury extraction.
type WithdrawalRecord struct {
	ID          uuid.UUID
	Caller      string
	Asset       string
	Recipient   string
	Amount      decimal.Decimal
	WithdrawnAt time.Time
	CreatedAt   time.Time
}

// PriceSnapshot is one sampled quote of a whole sale unit in a payment asset.
type PriceSnapshot struct {
	Bucket        time.Time
	Asset         string
	Stage         int
	UnitPrice     decimal.Decimal
	ReferenceRate decimal.Decimal
	PaymentRate   decimal.Decimal
	Required      decimal.Decimal
	Status        string
	Error         *string
	CreatedAt     time.Time
}

// SaleState mirrors the engine's lifecycle state.
type SaleState struct {
	StartAt      *time.Time
	TotalSold    decimal.Decimal
	UnsoldBurned bool
	UpdatedAt    time.Time
}

// AlertRecord captures an emitted alert for de-duplication and auditing.
type AlertRecord struct {
	ID        int64
	Kind      string
	Subject   string
	Detail    string
	Channels  []string
	CreatedAt time.Time
}

// SaleTotals aggregates settled sales per payment asset.
type SaleTotals struct {
	Asset    string
	Count    int64
	Quantity decimal.Decimal
	Paid     decimal.Decimal
}
