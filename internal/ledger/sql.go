package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SQLStore is a Postgres-backed Store. One row in offline_state holds the
// device's allowance, snapshot cache and settlement lease; offline_records
// holds one row per promised transfer.
type SQLStore struct {
	db       *sql.DB
	deviceID string
}

// NewSQLStore creates a Store over an existing database handle. Init must
// have been called once for this device before use.
func NewSQLStore(db *sql.DB, deviceID string) *SQLStore {
	return &SQLStore{db: db, deviceID: deviceID}
}

// Init ensures the device's state row exists, seeding the offline allowance
// on first run.
func (s *SQLStore) Init(ctx context.Context, allowance decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_state (device_id, allowance, total_sent, total_received, last_updated, lease_version)
		 VALUES ($1, $2, 0, 0, $3, 0)
		 ON CONFLICT (device_id) DO NOTHING`,
		s.deviceID, allowance, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to init device state: %w", err)
	}
	return nil
}

func (s *SQLStore) Add(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.recalcInTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLStore) AddWithAllowance(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var allowance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT allowance FROM offline_state WHERE device_id = $1 FOR UPDATE`,
		s.deviceID,
	).Scan(&allowance)
	if err != nil {
		return fmt.Errorf("failed to lock device state: %w", err)
	}

	remaining := allowance.Sub(rec.Amount)
	if remaining.IsNegative() {
		return ErrAllowanceExceeded
	}

	if err := s.insertRecord(ctx, tx, rec); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE offline_state SET allowance = $1 WHERE device_id = $2`,
		remaining, s.deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update allowance: %w", err)
	}
	if err := s.recalcInTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLStore) insertRecord(ctx context.Context, tx *sql.Tx, rec *Record) error {
	if rec.VoucherRef != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM offline_records WHERE device_id = $1 AND voucher_ref = $2)`,
			s.deviceID, rec.VoucherRef,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check voucher ref: %w", err)
		}
		if exists {
			return ErrDuplicateVoucher
		}
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.DeviceID = s.deviceID
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec.Version = 1

	_, err := tx.ExecContext(ctx,
		`INSERT INTO offline_records
		 (id, device_id, direction, counterparty, amount, asset_kind, asset_contract,
		  status, settlement_tx_ref, voucher_ref, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.DeviceID, rec.Direction, rec.CounterpartyAddress, rec.Amount,
		rec.Asset.Kind, rec.Asset.Contract, rec.Status, rec.SettlementTxRef,
		rec.VoucherRef, rec.CreatedAt, rec.UpdatedAt, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

const recordColumns = `id, device_id, direction, counterparty, amount, asset_kind, asset_contract,
	status, settlement_tx_ref, voucher_ref, created_at, updated_at, version`

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DeviceID, &rec.Direction, &rec.CounterpartyAddress,
		&rec.Amount, &rec.Asset.Kind, &rec.Asset.Contract, &rec.Status,
		&rec.SettlementTxRef, &rec.VoucherRef, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE id = $1 AND device_id = $2`,
		id, s.deviceID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) GetAll(ctx context.Context) ([]*Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE device_id = $1 ORDER BY created_at`,
		s.deviceID)
}

func (s *SQLStore) GetByStatus(ctx context.Context, status Status) ([]*Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE device_id = $1 AND status = $2 ORDER BY created_at`,
		s.deviceID, status)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLStore) GetByVoucherRef(ctx context.Context, voucherRef string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE device_id = $1 AND voucher_ref = $2`,
		s.deviceID, voucherRef,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, settlementTxRef string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE id = $1 AND device_id = $2 FOR UPDATE`,
		id, s.deviceID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	if rec.Status == status {
		return rec, tx.Commit()
	}
	if !CanTransition(rec.Status, status) {
		return nil, ErrInvalidTransition
	}

	rec.Status = status
	if status == StatusSettled && rec.SettlementTxRef == "" {
		rec.SettlementTxRef = settlementTxRef
	}
	rec.UpdatedAt = time.Now()
	rec.Version++

	_, err = tx.ExecContext(ctx,
		`UPDATE offline_records SET status = $1, settlement_tx_ref = $2, updated_at = $3, version = $4
		 WHERE id = $5`,
		rec.Status, rec.SettlementTxRef, rec.UpdatedAt, rec.Version, rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := s.recalcInTx(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) RecalculateBalances(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.recalcInTx(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.Snapshot(ctx)
}

func (s *SQLStore) recalcInTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE offline_state SET
		   total_sent = COALESCE((SELECT SUM(amount) FROM offline_records
		                          WHERE device_id = $1 AND status = 'pending' AND direction = 'sent'), 0),
		   total_received = COALESCE((SELECT SUM(amount) FROM offline_records
		                              WHERE device_id = $1 AND status = 'pending' AND direction = 'received'), 0),
		   last_updated = $2
		 WHERE device_id = $1`,
		s.deviceID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to recalculate balances: %w", err)
	}
	return nil
}

func (s *SQLStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	snap.DeviceID = s.deviceID
	err := s.db.QueryRowContext(ctx,
		`SELECT total_sent, total_received, last_updated FROM offline_state WHERE device_id = $1`,
		s.deviceID,
	).Scan(&snap.TotalSent, &snap.TotalReceived, &snap.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLStore) Allowance(ctx context.Context) (decimal.Decimal, error) {
	var allowance decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT allowance FROM offline_state WHERE device_id = $1`,
		s.deviceID,
	).Scan(&allowance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read allowance: %w", err)
	}
	return allowance, nil
}

func (s *SQLStore) SpendAllowance(ctx context.Context, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_state SET allowance = allowance - $1
		 WHERE device_id = $2 AND allowance >= $1`,
		amount, s.deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to spend allowance: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAllowanceExceeded
	}
	return nil
}

func (s *SQLStore) RestoreAllowance(ctx context.Context, amount decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_state SET allowance = allowance + $1 WHERE device_id = $2`,
		amount, s.deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to restore allowance: %w", err)
	}
	return nil
}

// AcquireLease takes the settlement lease via a versioned lock row. A held,
// unexpired lease owned by another session rejects the caller; acquiring is
// a compare-and-swap on the lease version so two sessions cannot both win.
func (s *SQLStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentOwner sql.NullString
	var expires sql.NullTime
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT lease_owner, lease_expires, lease_version FROM offline_state WHERE device_id = $1 FOR UPDATE`,
		s.deviceID,
	).Scan(&currentOwner, &expires, &version)
	if err != nil {
		return fmt.Errorf("failed to lock lease row: %w", err)
	}

	now := time.Now()
	if currentOwner.Valid && currentOwner.String != "" && currentOwner.String != owner &&
		expires.Valid && expires.Time.After(now) {
		return ErrLeaseHeld
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE offline_state SET lease_owner = $1, lease_expires = $2, lease_version = lease_version + 1
		 WHERE device_id = $3 AND lease_version = $4`,
		owner, now.Add(ttl), s.deviceID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrLeaseHeld
	}
	return tx.Commit()
}

func (s *SQLStore) ReleaseLease(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_state SET lease_owner = NULL, lease_expires = NULL, lease_version = lease_version + 1
		 WHERE device_id = $1 AND lease_owner = $2`,
		s.deviceID, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *SQLStore) PurgeSettled(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM offline_records WHERE device_id = $1 AND status = 'settled'`,
		s.deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge settled records: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := s.recalcInTx(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return int(removed), nil
}
