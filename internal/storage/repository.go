package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSaleSQL = `INSERT INTO sales (
        id,
        buyer,
        asset,
        quantity,
        required,
        paid,
        refunded,
        unit_price,
        stage,
        settled_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	saleColumns = `id,
        buyer,
        asset,
        quantity::text,
        required::text,
        paid::text,
        refunded::text,
        unit_price::text,
        stage,
        settled_at,
        created_at`

	listSalesBetweenSQL = `SELECT ` + saleColumns + `
    FROM sales
    WHERE settled_at >= $1
      AND settled_at < $2
    ORDER BY settled_at;`

	listRecentSalesSQL = `SELECT ` + saleColumns + `
    FROM sales
    ORDER BY settled_at DESC
    LIMIT $1;`

	saleTotalsSQL = `SELECT
        asset,
        COUNT(*),
        COALESCE(SUM(quantity), 0)::text,
        COALESCE(SUM(paid), 0)::text
    FROM sales
    GROUP BY asset
    ORDER BY asset;`

	netProceedsSQL = `SELECT
        asset,
        COALESCE(SUM(amount), 0)::text
    FROM (
        SELECT asset, paid AS amount FROM sales
        UNION ALL
        SELECT asset, -amount FROM withdrawals
    ) AS movements
    GROUP BY asset
    ORDER BY asset;`

	insertWithdrawalSQL = `INSERT INTO withdrawals (
        id,
        caller,
        asset,
        recipient,
        amount,
        withdrawn_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentWithdrawalsSQL = `SELECT
        id,
        caller,
        asset,
        recipient,
        amount::text,
        withdrawn_at,
        created_at
    FROM withdrawals
    ORDER BY withdrawn_at DESC
    LIMIT $1;`

	upsertSnapshotSQL = `INSERT INTO price_snapshots (
        bucket_ts,
        asset,
        stage,
        unit_price,
        reference_rate,
        payment_rate,
        required,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (bucket_ts, asset) DO UPDATE
    SET
        stage          = EXCLUDED.stage,
        unit_price     = EXCLUDED.unit_price,
        reference_rate = EXCLUDED.reference_rate,
        payment_rate   = EXCLUDED.payment_rate,
        required       = EXCLUDED.required,
        status         = EXCLUDED.status,
        error          = EXCLUDED.error;`

	snapshotColumns = `bucket_ts,
        asset,
        stage,
        unit_price::text,
        reference_rate::text,
        payment_rate::text,
        required::text,
        status,
        error,
        created_at`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM price_snapshots
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
      AND ($3 = '' OR asset = $3)
    ORDER BY bucket_ts, asset;`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM price_snapshots
    ORDER BY bucket_ts DESC, asset
    LIMIT $1;`

	loadStateSQL = `SELECT
        start_at,
        total_sold::text,
        unsold_burned,
        updated_at
    FROM sale_state
    WHERE id = 1;`

	saveStateSQL = `INSERT INTO sale_state (
        id,
        start_at,
        total_sold,
        unsold_burned,
        updated_at
    ) VALUES (
        1,$1,$2,$3,now()
    )
    ON CONFLICT (id) DO UPDATE
    SET start_at      = EXCLUDED.start_at,
        total_sold    = EXCLUDED.total_sold,
        unsold_burned = EXCLUDED.unsold_burned,
        updated_at    = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO alerts (
        kind,
        subject,
        detail,
        channels,
        created_at
    ) VALUES (
        $1,$2,$3,$4,COALESCE($5, NOW())
    )
    RETURNING id, kind, subject, detail, channels, created_at;`

	lastAlertSQL = `SELECT
        id,
        kind,
        subject,
        detail,
        channels,
        created_at
    FROM alerts
    WHERE kind = $1
      AND subject = $2
    ORDER BY created_at DESC
    LIMIT 1;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        subject,
        detail,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SaleStore persists settled purchases.
type SaleStore interface {
	InsertSale(ctx context.Context, sale SaleRecord) error
	ListSalesBetween(ctx context.Context, from, to time.Time) ([]SaleRecord, error)
	ListRecentSales(ctx context.Context, limit int) ([]SaleRecord, error)
	SaleTotals(ctx context.Context) ([]SaleTotals, error)
}

// ProceedsStore reports collected payments that have not been withdrawn.
type ProceedsStore interface {
	NetProceeds(ctx context.Context) (map[string]decimal.Decimal, error)
}

// WithdrawalStore persists treasury extractions.
type WithdrawalStore interface {
	InsertWithdrawal(ctx context.Context, w WithdrawalRecord) error
	ListRecentWithdrawals(ctx context.Context, limit int) ([]WithdrawalRecord, error)
}

// SnapshotStore persists sampled price snapshots.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap PriceSnapshot) error
	ListSnapshotsBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]PriceSnapshot, error)
}

// StateStore persists the sale lifecycle state.
type StateStore interface {
	LoadState(ctx context.Context) (SaleState, bool, error)
	SaveState(ctx context.Context, st SaleState) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	LastAlert(ctx context.Context, kind, subject string) (AlertRecord, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to every persisted table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var (
	_ SaleStore       = (*Store)(nil)
	_ WithdrawalStore = (*Store)(nil)
	_ SnapshotStore   = (*Store)(nil)
	_ StateStore      = (*Store)(nil)
	_ AlertStore      = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection is reset.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSale persists a settled purchase. Replays of the same ID are ignored.
func (s *Store) InsertSale(ctx context.Context, sale SaleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertSaleSQL,
		sale.ID,
		sale.Buyer,
		sale.Asset,
		sale.Quantity.String(),
		sale.Required.String(),
		sale.Paid.String(),
		sale.Refunded.String(),
		sale.UnitPrice.String(),
		sale.Stage,
		sale.SettledAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert sale: %w", execErr)
	}
	return nil
}

// ListSalesBetween lists sales settled within [from, to).
func (s *Store) ListSalesBetween(ctx context.Context, from, to time.Time) ([]SaleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSalesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list sales between: %w", queryErr)
	}
	defer rows.Close()
	return collectSales(rows, 0)
}

// ListRecentSales lists the most recent sales, newest first.
func (s *Store) ListRecentSales(ctx context.Context, limit int) ([]SaleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSalesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent sales: %w", queryErr)
	}
	defer rows.Close()
	return collectSales(rows, limit)
}

// SaleTotals sums settled sales per payment asset.
func (s *Store) SaleTotals(ctx context.Context) ([]SaleTotals, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, saleTotalsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("sale totals: %w", queryErr)
	}
	defer rows.Close()

	totals := make([]SaleTotals, 0)
	for rows.Next() {
		var (
			t           SaleTotals
			quantityStr string
			paidStr     string
		)
		if err := rows.Scan(&t.Asset, &t.Count, &quantityStr, &paidStr); err != nil {
			return nil, err
		}
		if t.Quantity, err = decimal.NewFromString(quantityStr); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		if t.Paid, err = decimal.NewFromString(paidStr); err != nil {
			return nil, fmt.Errorf("parse paid: %w", err)
		}
		totals = append(totals, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return totals, nil
}

// NetProceeds returns, per payment asset, the base units collected by settled
// sales minus everything withdrawn since.
func (s *Store) NetProceeds(ctx context.Context) (map[string]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, netProceedsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("net proceeds: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, amountStr string
		if err := rows.Scan(&asset, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse proceeds of %s: %w", asset, err)
		}
		out[asset] = amount
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertWithdrawal persists a treasury extraction.
func (s *Store) InsertWithdrawal(ctx context.Context, w WithdrawalRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertWithdrawalSQL,
		w.ID,
		w.Caller,
		w.Asset,
		w.Recipient,
		w.Amount.String(),
		w.WithdrawnAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert withdrawal: %w", execErr)
	}
	return nil
}

// ListRecentWithdrawals lists the most recent withdrawals, newest first.
func (s *Store) ListRecentWithdrawals(ctx context.Context, limit int) ([]WithdrawalRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentWithdrawalsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent withdrawals: %w", queryErr)
	}
	defer rows.Close()

	out := make([]WithdrawalRecord, 0, limit)
	for rows.Next() {
		var (
			w         WithdrawalRecord
			amountStr string
		)
		if err := rows.Scan(&w.ID, &w.Caller, &w.Asset, &w.Recipient, &amountStr, &w.WithdrawnAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		if w.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertSnapshot persists or updates a price snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snap PriceSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if snap.Error != nil {
		errMsg = *snap.Error
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Bucket,
		snap.Asset,
		snap.Stage,
		snap.UnitPrice.String(),
		snap.ReferenceRate.String(),
		snap.PaymentRate.String(),
		snap.Required.String(),
		snap.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within [from, to). An empty asset matches all assets.
func (s *Store) ListSnapshotsBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending bucket.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]PriceSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, limit)
}

// LoadState returns the persisted lifecycle state, or false when none was saved.
func (s *Store) LoadState(ctx context.Context) (SaleState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return SaleState{}, false, err
	}

	var (
		st       SaleState
		startAt  sql.NullTime
		totalStr string
	)
	scanErr := pool.QueryRow(ctx, loadStateSQL).Scan(&startAt, &totalStr, &st.UnsoldBurned, &st.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return SaleState{}, false, nil
	}
	if scanErr != nil {
		return SaleState{}, false, fmt.Errorf("load sale state: %w", scanErr)
	}

	if st.TotalSold, err = decimal.NewFromString(totalStr); err != nil {
		return SaleState{}, false, fmt.Errorf("parse total sold: %w", err)
	}
	if startAt.Valid {
		at := startAt.Time.UTC()
		st.StartAt = &at
	}
	return st, true, nil
}

// SaveState upserts the lifecycle state.
func (s *Store) SaveState(ctx context.Context, st SaleState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var startAt interface{}
	if st.StartAt != nil {
		startAt = *st.StartAt
	}

	if _, execErr := pool.Exec(ctx, saveStateSQL, startAt, st.TotalSold.String(), st.UnsoldBurned); execErr != nil {
		return fmt.Errorf("save sale state: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	var createdAt *time.Time
	if !alert.CreatedAt.IsZero() {
		createdAt = &alert.CreatedAt
	}

	row := pool.QueryRow(ctx, insertAlertSQL, alert.Kind, alert.Subject, alert.Detail, channels, createdAt)
	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// LastAlert returns the newest alert of kind for subject.
func (s *Store) LastAlert(ctx context.Context, kind, subject string) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	rec, scanErr := scanAlert(pool.QueryRow(ctx, lastAlertSQL, kind, subject))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, false, nil
	}
	if scanErr != nil {
		return AlertRecord{}, false, fmt.Errorf("last alert: %w", scanErr)
	}
	return rec, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var rec AlertRecord
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Subject, &rec.Detail, &rec.Channels, &rec.CreatedAt); err != nil {
		return AlertRecord{}, err
	}
	return rec, nil
}

func collectSales(rows pgx.Rows, capacity int) ([]SaleRecord, error) {
	sales := make([]SaleRecord, 0, capacity)
	for rows.Next() {
		var rec SaleRecord
		var quantityStr, requiredStr, paidStr, refundStr, priceStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Buyer,
			&rec.Asset,
			&quantityStr,
			&requiredStr,
			&paidStr,
			&refundStr,
			&priceStr,
			&rec.Stage,
			&rec.SettledAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		values, err := parseDecimals(quantityStr, requiredStr, paidStr, refundStr, priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse sale %s: %w", rec.ID, err)
		}
		rec.Quantity, rec.Required, rec.Paid, rec.Refunded, rec.UnitPrice = values[0], values[1], values[2], values[3], values[4]
		sales = append(sales, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sales, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]PriceSnapshot, error) {
	snaps := make([]PriceSnapshot, 0, capacity)
	for rows.Next() {
		var snap PriceSnapshot
		var priceStr, refStr, payStr, requiredStr string
		var errMsg sql.NullString
		if err := rows.Scan(
			&snap.Bucket,
			&snap.Asset,
			&snap.Stage,
			&priceStr,
			&refStr,
			&payStr,
			&requiredStr,
			&snap.Status,
			&errMsg,
			&snap.CreatedAt,
		); err != nil {
			return nil, err
		}

		values, err := parseDecimals(priceStr, refStr, payStr, requiredStr)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", snap.Bucket.Format(time.RFC3339), err)
		}
		snap.UnitPrice, snap.ReferenceRate, snap.PaymentRate, snap.Required = values[0], values[1], values[2], values[3]
		if errMsg.Valid {
			msg := errMsg.String
			snap.Error = &msg
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
