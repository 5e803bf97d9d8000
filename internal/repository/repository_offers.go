package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fleetops/internal/models"
)

const offerColumns = `
	id,
	request_id,
	provider_id,
	terms,
	price,
	status,
	submitted_at,
	updated_at`

// CreateOffer stores a pending offer and moves its request to QuotesReceived
// in one transaction. The request row stays locked until commit, so an offer
// can not land on a request that is being assigned or closed.
func (repo *Repository) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, models.Request, error) {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Offer{}, models.Request{}, fmt.Errorf("repository.Repository.CreateOffer: could not start transaction: %w", err)
	}

	query := `
	UPDATE service_request
	SET
		status = 'QuotesReceived',
		version = version + CASE WHEN status = 'Open' THEN 1 ELSE 0 END,
		updated_at = CASE WHEN status = 'Open' THEN CURRENT_TIMESTAMP ELSE updated_at END
	WHERE id = $1 AND status IN ('Open', 'QuotesReceived')
	RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRowContext(ctx, query, offer.RequestId))
	if errors.Is(err, sql.ErrNoRows) {
		err = guardFailed(ctx, tx, offer.RequestId, models.ErrInvalidState)
		return models.Offer{}, req, fmt.Errorf("repository.Repository.CreateOffer: %w", wrapRollbackErr(tx, err))
	} else if err != nil {
		return models.Offer{}, req, fmt.Errorf("repository.Repository.CreateOffer: %w", wrapRollbackErr(tx, err))
	}

	query = `
	INSERT INTO service_offer
		(id, request_id, provider_id, terms, price, status)
	VALUES
		($1, $2, $3, $4::jsonb, $5, 'Pending')
	RETURNING ` + offerColumns

	created, err := scanOffer(tx.QueryRowContext(ctx, query,
		offer.Id, offer.RequestId, offer.ProviderId, jsonParam(offer.Terms), offer.Price))
	if isUniqueViolation(err) {
		err = models.ErrDuplicateOffer
	}
	if err != nil {
		return models.Offer{}, models.Request{}, fmt.Errorf("repository.Repository.CreateOffer: %w", wrapRollbackErr(tx, err))
	}

	err = tx.Commit()
	if err != nil {
		return models.Offer{}, models.Request{}, fmt.Errorf("repository.Repository.CreateOffer: could not commit: %w", err)
	}

	return created, req, nil
}

func (repo *Repository) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM service_offer WHERE id = $1`

	offer, err := scanOffer(repo.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return offer, fmt.Errorf("repository.Repository.GetOffer: %w", models.ErrNotFound)
	} else if err != nil {
		return offer, fmt.Errorf("repository.Repository.GetOffer: %w", err)
	}

	return offer, nil
}

func (repo *Repository) ListOffers(ctx context.Context, requestId string) ([]models.Offer, error) {
	query := `
	SELECT ` + offerColumns + `
	FROM service_offer
	WHERE request_id = $1
	ORDER BY submitted_at, id
	`

	rows, err := repo.db.QueryContext(ctx, query, requestId)
	if err != nil {
		return nil, fmt.Errorf("repository.Repository.ListOffers: %w", err)
	}
	defer rows.Close()

	offers := make([]models.Offer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("repository.Repository.ListOffers: rows scan error: %w", err)
		}
		offers = append(offers, offer)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("repository.Repository.ListOffers: %w", rows.Err())
	}

	return offers, nil
}

// CountOffers counts the offers a request received, withdrawn ones excluded.
func (repo *Repository) CountOffers(ctx context.Context, requestId string) (int, error) {
	var n int
	err := repo.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM service_offer WHERE request_id = $1 AND status <> 'Withdrawn'",
		requestId).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository.Repository.CountOffers: %w", err)
	}
	return n, nil
}

func (repo *Repository) HasOffered(ctx context.Context, requestId, providerId string) (bool, error) {
	var ok bool
	err := repo.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM service_offer WHERE request_id = $1 AND provider_id = $2 AND status = 'Pending')",
		requestId, providerId).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("repository.Repository.HasOffered: %w", err)
	}
	return ok, nil
}

func (repo *Repository) WithdrawOffer(ctx context.Context, offerId, providerId string) (models.Offer, error) {
	query := `
	UPDATE service_offer
	SET status = 'Withdrawn', updated_at = CURRENT_TIMESTAMP
	WHERE id = $1 AND provider_id = $2 AND status = 'Pending'
	RETURNING ` + offerColumns

	offer, err := scanOffer(repo.db.QueryRowContext(ctx, query, offerId, providerId))
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return offer, fmt.Errorf("repository.Repository.WithdrawOffer: %w", err)
	}

	current, err := repo.GetOffer(ctx, offerId)
	switch {
	case err != nil:
		return offer, fmt.Errorf("repository.Repository.WithdrawOffer: %w", err)
	case current.ProviderId != providerId:
		return offer, fmt.Errorf("repository.Repository.WithdrawOffer: %w", models.ErrForbidden)
	default:
		return offer, fmt.Errorf("repository.Repository.WithdrawOffer: offer is %s: %w", current.Status, models.ErrInvalidState)
	}
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		offer models.Offer
		terms []byte
		price sql.NullFloat64
	)

	err := row.Scan(
		&offer.Id,
		&offer.RequestId,
		&offer.ProviderId,
		&terms,
		&price,
		&offer.Status,
		&offer.SubmittedAt,
		&offer.UpdatedAt,
	)
	if err != nil {
		return models.Offer{}, err
	}

	if len(terms) > 0 {
		offer.Terms = json.RawMessage(terms)
	}
	if price.Valid {
		offer.Price = &price.Float64
	}

	return offer, nil
}
