package service

import (
	"context"
	"fmt"
	"log/slog"

	"fleetops/internal/models"
)

// AcceptOffer assigns the request to one of its pending offers. Only the
// requester may accept; every other pending offer is rejected in the same
// store operation. Of two concurrent accepts exactly one wins, the other
// gets ErrConflict, as does any accept after the assignment committed.
func (s *Service) AcceptOffer(ctx context.Context, requestId, offerId, actorId string) (models.Request, error) {
	// load request
	req, err := s.store.GetRequest(ctx, requestId)
	if err != nil {
		return req, fmt.Errorf("service.Service.AcceptOffer: %w", err)
	}
	if assignedLive(req) {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: request already assigned to %s: %w", *req.AssignedOfferId, models.ErrConflict)
	}
	if !req.Status.AcceptsOffers() {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: request is %s: %w", req.Status, models.ErrInvalidState)
	}

	// load offer
	offer, err := s.store.GetOffer(ctx, offerId)
	if err != nil {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: %w", err)
	}
	if offer.RequestId != req.Id {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: offer belongs to another request: %w", models.ErrInvalidState)
	}
	if offer.Status != models.OfferPending {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: %w", s.settledOffer(ctx, offer))
	}

	// only the requester picks the winner
	if actorId != req.RequesterId {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: %w", models.ErrForbidden)
	}

	req, err = s.store.AcceptOffer(ctx, requestId, offerId)
	if err != nil {
		return models.Request{}, fmt.Errorf("service.Service.AcceptOffer: %w", s.closedMeanwhile(ctx, requestId, err, models.ErrInvalidState))
	}

	offer.Status = models.OfferAccepted
	s.emit(ctx, models.EventRequestAssigned, req, &offer, actorId, false, req.RequesterId, offer.ProviderId)

	// the assignment is committed, a failed lookup only costs the losers their notification
	offers, err := s.store.ListOffers(ctx, requestId)
	if err != nil {
		s.log.ErrorContext(ctx, "could not list offers for rejection notifications",
			slog.String("request_id", requestId), slog.String("error", err.Error()))
		return req, nil
	}
	for _, o := range offers {
		if o.Status != models.OfferRejected {
			continue
		}
		loser := o
		s.emit(ctx, models.EventOfferRejected, req, &loser, actorId, false, loser.ProviderId)
	}

	return req, nil
}

// settledOffer explains why offer is no longer pending. An offer accepted or
// rejected by a committed assignment means the caller lost the race.
func (s *Service) settledOffer(ctx context.Context, offer models.Offer) error {
	if offer.Status == models.OfferAccepted || offer.Status == models.OfferRejected {
		req, err := s.store.GetRequest(ctx, offer.RequestId)
		if err != nil {
			return err
		}
		if assignedLive(req) {
			return fmt.Errorf("request already assigned to %s: %w", *req.AssignedOfferId, models.ErrConflict)
		}
	}
	return fmt.Errorf("offer is %s: %w", offer.Status, models.ErrInvalidState)
}

// assignedLive reports an assignment that is still being worked on.
// Terminal requests keep their assignment but are a plain state error.
func assignedLive(req models.Request) bool {
	return req.AssignedOfferId != nil && !req.Status.Terminal()
}
