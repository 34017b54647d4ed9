package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB shares an existing connection pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_records(id, rescue_id, rider_id, driver_id, status,
			currency, base, distance_fee, surge_amount, discount, tax, total, platform_fee, driver_payout,
			attempts, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rec.ID, rec.RescueID, rec.RiderID, rec.DriverID, string(rec.Status),
		rec.Breakdown.Total.Currency,
		rec.Breakdown.Base.Amount, rec.Breakdown.DistanceFee.Amount, rec.Breakdown.SurgeAmount.Amount,
		rec.Breakdown.Discount.Amount, rec.Breakdown.Tax.Amount, rec.Breakdown.Total.Amount,
		rec.Breakdown.PlatformFee.Amount, rec.Breakdown.DriverPayout.Amount,
		rec.Attempts, rec.CreatedAt, rec.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.BusinessRule("settlement_exists", "rescue "+rec.RescueID+" already has a payment record")
	}
	return err
}

const recordColumns = `id, rescue_id, rider_id, driver_id, status,
	currency, base, distance_fee, surge_amount, discount, tax, total, platform_fee, driver_payout,
	attempts, failure_code, failure_message,
	charge_ref, payout_ref, refund_ref, refunded_amount, created_at, updated_at`

func (p *PostgresStore) scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var status, currency string
	var failureCode, failureMessage, chargeRef, payoutRef, refundRef sql.NullString
	var refundedAmount sql.NullInt64
	err := row.Scan(&rec.ID, &rec.RescueID, &rec.RiderID, &rec.DriverID, &status,
		&currency,
		&rec.Breakdown.Base.Amount, &rec.Breakdown.DistanceFee.Amount, &rec.Breakdown.SurgeAmount.Amount,
		&rec.Breakdown.Discount.Amount, &rec.Breakdown.Tax.Amount, &rec.Breakdown.Total.Amount,
		&rec.Breakdown.PlatformFee.Amount, &rec.Breakdown.DriverPayout.Amount,
		&rec.Attempts, &failureCode, &failureMessage,
		&chargeRef, &payoutRef, &refundRef, &refundedAmount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	for _, m := range []*money.Money{
		&rec.Breakdown.Base, &rec.Breakdown.DistanceFee, &rec.Breakdown.SurgeAmount,
		&rec.Breakdown.Discount, &rec.Breakdown.Tax, &rec.Breakdown.Total,
		&rec.Breakdown.PlatformFee, &rec.Breakdown.DriverPayout,
	} {
		m.Currency = currency
	}
	if failureCode.Valid {
		rec.Failure = &FailureReason{Code: failureCode.String, Message: failureMessage.String}
	}
	rec.ChargeRef = chargeRef.String
	rec.PayoutRef = payoutRef.String
	rec.RefundRef = refundRef.String
	if refundedAmount.Valid {
		m := money.Money{Amount: refundedAmount.Int64, Currency: currency}
		rec.RefundedAmount = &m
	}
	return &rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := p.scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment_record", id)
	}
	return rec, err
}

func (p *PostgresStore) GetByRescue(ctx context.Context, rescueID string) (*Record, error) {
	rec, err := p.scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE rescue_id = $1`, rescueID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment_record", "rescue:"+rescueID)
	}
	return rec, err
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected, to Status) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), time.Now(), id, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) MarkCharged(ctx context.Context, id, chargeRef string, attempts int) error {
	return p.conditionalUpdate(ctx, id, StatusProcessing, `
		UPDATE payment_records
		SET status = 'succeeded', charge_ref = $1, attempts = $2,
			failure_code = NULL, failure_message = NULL, updated_at = $3
		WHERE id = $4 AND status = 'processing'`,
		chargeRef, attempts, time.Now(), id)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, reason FailureReason, attempts int) error {
	return p.conditionalUpdate(ctx, id, StatusProcessing, `
		UPDATE payment_records
		SET status = 'failed', failure_code = $1, failure_message = $2, attempts = $3, updated_at = $4
		WHERE id = $5 AND status = 'processing'`,
		reason.Code, reason.Message, attempts, time.Now(), id)
}

func (p *PostgresStore) ClaimPayout(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET payout_ref = $1, updated_at = $2
		WHERE id = $3 AND status = 'succeeded' AND payout_ref IS NULL`,
		payoutClaim, time.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ReleasePayoutClaim(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET payout_ref = NULL, updated_at = $1
		WHERE id = $2 AND payout_ref = $3`,
		time.Now(), id, payoutClaim)
	return err
}

func (p *PostgresStore) MarkPayout(ctx context.Context, id, payoutRef string) error {
	return p.conditionalUpdate(ctx, id, StatusSucceeded, `
		UPDATE payment_records SET payout_ref = $1, updated_at = $2
		WHERE id = $3 AND payout_ref = $4`,
		payoutRef, time.Now(), id, payoutClaim)
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id, refundRef string, amount money.Money) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = 'refunded', refund_ref = $1, refunded_amount = $2, updated_at = $3
		WHERE id = $4 AND status = 'succeeded'`,
		refundRef, amount.Amount, time.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListSucceededWithoutPayout(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE status = 'succeeded' AND payout_ref IS NULL
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) conditionalUpdate(ctx context.Context, id string, expected Status, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflict("payment_record", id, string(expected))
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
