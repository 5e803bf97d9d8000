package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"fleetops/internal/models"

	"github.com/lib/pq"
)

const requestColumns = `
	id,
	version,
	requester_id,
	requester_role,
	subject_ref,
	category,
	location_lat,
	location_lng,
	payload,
	status,
	assigned_offer_id,
	final_cost,
	cancel_reason,
	created_at,
	updated_at`

func (repo *Repository) CreateRequest(ctx context.Context, req models.Request) (models.Request, error) {
	var lat, lng any
	if req.Location != nil {
		lat, lng = req.Location.Lat, req.Location.Lng
	}

	query := `
	INSERT INTO service_request
		(id, requester_id, requester_role, subject_ref, category, location_lat, location_lng, payload, status)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8::jsonb, 'Open')
	RETURNING ` + requestColumns

	row := repo.db.QueryRowContext(ctx, query,
		req.Id, req.RequesterId, req.RequesterRole, req.SubjectRef, req.Category, lat, lng, jsonParam(req.Payload))
	created, err := scanRequest(row)
	if err != nil {
		return created, fmt.Errorf("repository.Repository.CreateRequest: %w", err)
	}

	return created, nil
}

func (repo *Repository) GetRequest(ctx context.Context, id string) (models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM service_request WHERE id = $1`

	req, err := scanRequest(repo.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return req, fmt.Errorf("repository.Repository.GetRequest: %w", models.ErrNotFound)
	} else if err != nil {
		return req, fmt.Errorf("repository.Repository.GetRequest: %w", err)
	}

	return req, nil
}

// OpenRequests streams requests still accepting offers whose category is
// contained in one of capabilities. A nil capabilities slice disables the
// category prefilter. Rows are read while the caller iterates.
func (repo *Repository) OpenRequests(ctx context.Context, capabilities []string) iter.Seq2[models.Request, error] {
	return func(yield func(models.Request, error) bool) {
		var caps any
		if capabilities != nil {
			caps = pq.Array(capabilities)
		}

		query := `
		SELECT ` + requestColumns + `
		FROM service_request r
		WHERE r.status IN ('Open', 'QuotesReceived')
			AND (
				$1::text[] IS NULL
				OR EXISTS (
					SELECT 1 FROM unnest($1::text[]) AS c(capability)
					WHERE btrim(r.category) <> ''
						AND position(lower(btrim(r.category)) IN lower(btrim(c.capability))) > 0
				)
			)
		ORDER BY r.created_at, r.id
		`

		rows, err := repo.db.QueryContext(ctx, query, caps)
		if err != nil {
			yield(models.Request{}, fmt.Errorf("repository.Repository.OpenRequests: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				yield(req, fmt.Errorf("repository.Repository.OpenRequests: rows scan error: %w", err))
				return
			}
			if !yield(req, nil) {
				return
			}
		}

		if rows.Err() != nil {
			yield(models.Request{}, fmt.Errorf("repository.Repository.OpenRequests: %w", rows.Err()))
		}
	}
}

// AcceptOffer assigns offerId to requestId in one transaction: the request
// row is claimed with a guarded update, the offer moves Pending -> Accepted
// and every other pending offer of the request is rejected.
func (repo *Repository) AcceptOffer(ctx context.Context, requestId, offerId string) (models.Request, error) {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Request{}, fmt.Errorf("repository.Repository.AcceptOffer: could not start transaction: %w", err)
	}

	query := `
	UPDATE service_request
	SET
		status = 'Assigned',
		assigned_offer_id = $2,
		version = version + 1,
		updated_at = CURRENT_TIMESTAMP
	WHERE id = $1 AND status IN ('Open', 'QuotesReceived')
	RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRowContext(ctx, query, requestId, offerId))
	if errors.Is(err, sql.ErrNoRows) {
		err = guardFailed(ctx, tx, requestId, models.ErrConflict)
		return req, fmt.Errorf("repository.Repository.AcceptOffer: %w", wrapRollbackErr(tx, err))
	} else if err != nil {
		return req, fmt.Errorf("repository.Repository.AcceptOffer: %w", wrapRollbackErr(tx, err))
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE service_offer
	SET status = 'Accepted', updated_at = CURRENT_TIMESTAMP
	WHERE id = $1 AND request_id = $2 AND status = 'Pending'
	`, offerId, requestId)
	if err != nil {
		return req, fmt.Errorf("repository.Repository.AcceptOffer: %w", wrapRollbackErr(tx, err))
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err == nil {
			err = models.ErrInvalidState
		}
		return models.Request{}, fmt.Errorf("repository.Repository.AcceptOffer: offer '%s': %w", offerId, wrapRollbackErr(tx, err))
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE service_offer
	SET status = 'Rejected', updated_at = CURRENT_TIMESTAMP
	WHERE request_id = $1 AND status = 'Pending' AND id <> $2
	`, requestId, offerId)
	if err != nil {
		return models.Request{}, fmt.Errorf("repository.Repository.AcceptOffer: %w", wrapRollbackErr(tx, err))
	}

	err = tx.Commit()
	if err != nil {
		return models.Request{}, fmt.Errorf("repository.Repository.AcceptOffer: could not commit: %w", err)
	}

	return req, nil
}

// TransitionRequest moves a request to tr.To only while its status is still
// one of tr.From. A request that moved on in the meantime yields ErrConflict.
func (repo *Repository) TransitionRequest(ctx context.Context, tr models.Transition) (models.Request, error) {
	if len(tr.From) == 0 || !models.ValidRequestStatus(tr.To) {
		return models.Request{}, fmt.Errorf("repository.Repository.TransitionRequest: %w", models.ErrInvalidTransition)
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Request{}, fmt.Errorf("repository.Repository.TransitionRequest: could not start transaction: %w", err)
	}

	query := `
	UPDATE service_request
	SET
		status = $2,
		version = version + 1,
		updated_at = CURRENT_TIMESTAMP,
		final_cost = COALESCE($3, final_cost),
		cancel_reason = COALESCE($4, cancel_reason)
	WHERE id = $1 AND status = ANY($5::text[])
	RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRowContext(ctx, query, tr.RequestId, tr.To, tr.FinalCost, tr.Reason, statusList(tr.From)))
	if errors.Is(err, sql.ErrNoRows) {
		err = guardFailed(ctx, tx, tr.RequestId, models.ErrConflict)
		return req, fmt.Errorf("repository.Repository.TransitionRequest: %w", wrapRollbackErr(tx, err))
	} else if err != nil {
		return req, fmt.Errorf("repository.Repository.TransitionRequest: %w", wrapRollbackErr(tx, err))
	}

	if tr.RejectOffers {
		_, err = tx.ExecContext(ctx, `
		UPDATE service_offer
		SET status = 'Rejected', updated_at = CURRENT_TIMESTAMP
		WHERE request_id = $1 AND status = 'Pending'
		`, tr.RequestId)
		if err != nil {
			return models.Request{}, fmt.Errorf("repository.Repository.TransitionRequest: %w", wrapRollbackErr(tx, err))
		}
	}

	err = tx.Commit()
	if err != nil {
		return models.Request{}, fmt.Errorf("repository.Repository.TransitionRequest: could not commit: %w", err)
	}

	return req, nil
}

// guardFailed tells a missing request apart from one whose status did not
// match a guarded update. The latter is reported as guardErr.
func guardFailed(ctx context.Context, tx *sql.Tx, requestId string, guardErr error) error {
	var exists bool
	err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM service_request WHERE id = $1)", requestId).Scan(&exists)
	switch {
	case err != nil:
		return err
	case !exists:
		return models.ErrNotFound
	default:
		return guardErr
	}
}

func scanRequest(row rowScanner) (models.Request, error) {
	var (
		req                       models.Request
		subject, assigned, reason sql.NullString
		lat, lng, cost            sql.NullFloat64
		payload                   []byte
	)

	err := row.Scan(
		&req.Id,
		&req.Version,
		&req.RequesterId,
		&req.RequesterRole,
		&subject,
		&req.Category,
		&lat,
		&lng,
		&payload,
		&req.Status,
		&assigned,
		&cost,
		&reason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return models.Request{}, err
	}

	if subject.Valid {
		req.SubjectRef = &subject.String
	}
	if lat.Valid && lng.Valid {
		req.Location = &models.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(payload) > 0 {
		req.Payload = json.RawMessage(payload)
	}
	if assigned.Valid {
		req.AssignedOfferId = &assigned.String
	}
	if cost.Valid {
		req.FinalCost = &cost.Float64
	}
	if reason.Valid {
		req.CancelReason = &reason.String
	}

	return req, nil
}

// jsonParam passes raw JSON as text: lib/pq would encode []byte as bytea.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
