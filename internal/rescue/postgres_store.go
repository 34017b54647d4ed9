package rescue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

// PostgresStore persists rescues and their timeline. The status guard is
// the WHERE clause of a single UPDATE, which keeps the compare-and-set
// atomic across concurrent processes.
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

func (p *PostgresStore) Create(ctx context.Context, r *models.Rescue) error {
	now := time.Now()
	r.Status = models.StatusRequested
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Timeline = append(r.Timeline, models.TimelineEntry{Status: models.StatusRequested, At: now})

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var dropLat, dropLon sql.NullFloat64
	if r.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: r.Dropoff.Lat, Valid: true}
		dropLon = sql.NullFloat64{Float64: r.Dropoff.Lon, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rescues(id, rider_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			issue_type, estimate_amount, estimate_currency, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.RiderID, string(r.Status), r.Pickup.Lat, r.Pickup.Lon, dropLat, dropLon,
		string(r.IssueType), r.PriceEstimate.Amount, r.PriceEstimate.Currency, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		// ux_active_rescue_per_rider: at most one non-terminal rescue per rider
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.BusinessRule("active_rescue_exists", "rider "+r.RiderID+" already has a rescue in flight")
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rescue_timeline(rescue_id, status, note, at) VALUES($1,$2,$3,$4)`,
		r.ID, string(models.StatusRequested), "", now); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Rescue, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			issue_type, estimate_amount, estimate_currency, final_amount, final_currency,
			driver_id, matched_at, accepted_at, arrived_at, created_at, updated_at
		FROM rescues WHERE id = $1`, id)

	var r models.Rescue
	var status, issue string
	var dropLat, dropLon sql.NullFloat64
	var finalAmount sql.NullInt64
	var finalCurrency, driverID sql.NullString
	var matchedAt, acceptedAt, arrivedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &status, &r.Pickup.Lat, &r.Pickup.Lon, &dropLat, &dropLon,
		&issue, &r.PriceEstimate.Amount, &r.PriceEstimate.Currency, &finalAmount, &finalCurrency,
		&driverID, &matchedAt, &acceptedAt, &arrivedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rescue", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RescueStatus(status)
	r.IssueType = models.IssueType(issue)
	if dropLat.Valid && dropLon.Valid {
		r.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	if finalAmount.Valid && finalCurrency.Valid {
		m := money.Money{Amount: finalAmount.Int64, Currency: finalCurrency.String}
		r.FinalPrice = &m
	}
	if driverID.Valid && matchedAt.Valid {
		a := models.Assignment{DriverID: driverID.String, MatchedAt: matchedAt.Time}
		if acceptedAt.Valid {
			t := acceptedAt.Time
			a.AcceptedAt = &t
		}
		if arrivedAt.Valid {
			t := arrivedAt.Time
			a.ArrivedAt = &t
		}
		r.Assignment = &a
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, note, at FROM rescue_timeline WHERE rescue_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.TimelineEntry
		var st string
		if err := rows.Scan(&st, &e.Note, &e.At); err != nil {
			return nil, err
		}
		e.Status = models.RescueStatus(st)
		r.Timeline = append(r.Timeline, e)
	}
	return &r, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, req TransitionRequest) (*models.Rescue, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	var finalAmount sql.NullInt64
	var finalCurrency sql.NullString
	if req.FinalPrice != nil {
		finalAmount = sql.NullInt64{Int64: req.FinalPrice.Amount, Valid: true}
		finalCurrency = sql.NullString{String: req.FinalPrice.Currency, Valid: true}
	}
	var driverID sql.NullString
	if req.DriverID != "" {
		driverID = sql.NullString{String: req.DriverID, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE rescues SET
			status = $1,
			updated_at = $2,
			driver_id = CASE
				WHEN $1 = 'matched' THEN $3
				WHEN $1 = 'requested' THEN NULL
				ELSE driver_id END,
			matched_at = CASE
				WHEN $1 = 'matched' THEN $2
				WHEN $1 = 'requested' THEN NULL
				ELSE matched_at END,
			accepted_at = CASE WHEN $1 = 'accepted' THEN $2 ELSE accepted_at END,
			arrived_at  = CASE WHEN $1 = 'arrived' THEN $2 ELSE arrived_at END,
			final_amount   = COALESCE($4, final_amount),
			final_currency = COALESCE($5, final_currency)
		WHERE id = $6 AND status = $7`,
		string(req.To), now, driverID, finalAmount, finalCurrency, req.RescueID, string(req.Expected))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// distinguish missing from stale
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rescues WHERE id = $1)`, req.RescueID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("rescue", req.RescueID)
		}
		return nil, apperr.Conflict("rescue", req.RescueID, string(req.Expected))
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rescue_timeline(rescue_id, status, note, at) VALUES($1,$2,$3,$4)`,
		req.RescueID, string(req.To), req.Note, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.Get(ctx, req.RescueID)
}

func (p *PostgresStore) HasActiveByRider(ctx context.Context, riderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM rescues
			WHERE rider_id = $1
			AND status NOT IN ('completed','cancelled_by_rider','cancelled_by_driver','cancelled_by_system','failed')
		)`, riderID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
