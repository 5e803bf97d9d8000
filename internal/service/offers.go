package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fleetops/internal/eligibility"
	"fleetops/internal/models"
)

type SubmitOfferParams struct {
	RequestId  string          `json:"-"`
	ProviderId string          `json:"providerId"`
	Terms      json.RawMessage `json:"terms"`
	Price      *float64        `json:"price"`
}

// SubmitOffer records a provider's offer on an open request. The request is
// moved to QuotesReceived in the same store operation.
func (s *Service) SubmitOffer(ctx context.Context, p SubmitOfferParams) (models.Offer, error) {
	p.ProviderId = strings.TrimSpace(p.ProviderId)
	if len(p.ProviderId) == 0 {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w: providerId is empty", models.ErrValidation)
	}
	if p.Price != nil && *p.Price < 0 {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w: negative price", models.ErrValidation)
	}

	// load request
	req, err := s.store.GetRequest(ctx, p.RequestId)
	if err != nil {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", err)
	}
	if !req.Status.AcceptsOffers() {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: request is %s: %w", req.Status, models.ErrInvalidState)
	}

	// check provider eligibility
	provider, err := s.resolveActor(ctx, p.ProviderId)
	if errors.Is(err, models.ErrNotFound) {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: unknown provider '%s': %w", p.ProviderId, models.ErrNotEligible)
	} else if err != nil {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", err)
	}
	if !provider.IsProvider() || provider.Id == req.RequesterId || !eligibility.IsEligible(req, provider.Profile) {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", models.ErrNotEligible)
	}

	// terms must carry what the category asks for
	terms, err := requireFields(p.Terms, s.policies.For(req.Category).RequiredTermFields)
	if err != nil {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: terms: %w", err)
	}
	if p.Price == nil {
		p.Price = priceFromTerms(terms)
	}

	// one live offer per provider
	offered, err := s.store.HasOffered(ctx, req.Id, provider.Id)
	if err != nil {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", err)
	}
	if offered {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", models.ErrDuplicateOffer)
	}

	offer, req, err := s.store.CreateOffer(ctx, models.Offer{
		Id:         s.newID(),
		RequestId:  req.Id,
		ProviderId: provider.Id,
		Terms:      p.Terms,
		Price:      p.Price,
	})
	if err != nil {
		return models.Offer{}, fmt.Errorf("service.Service.SubmitOffer: %w", err)
	}

	s.emit(ctx, models.EventOfferSubmitted, req, &offer, provider.Id, false, req.RequesterId)
	return offer, nil
}

// WithdrawOffer lets a provider pull its pending offer. The provider may
// submit a new one afterwards.
func (s *Service) WithdrawOffer(ctx context.Context, offerId, providerId string) (models.Offer, error) {
	offer, err := s.store.WithdrawOffer(ctx, offerId, providerId)
	if err != nil {
		return offer, fmt.Errorf("service.Service.WithdrawOffer: %w", err)
	}

	req, err := s.store.GetRequest(ctx, offer.RequestId)
	if err != nil {
		s.log.ErrorContext(ctx, "could not load request for withdrawal notification",
			slog.String("offer_id", offer.Id), slog.String("error", err.Error()))
		return offer, nil
	}

	s.emit(ctx, models.EventOfferWithdrawn, req, &offer, providerId, false, req.RequesterId)
	return offer, nil
}

func priceFromTerms(terms map[string]json.RawMessage) *float64 {
	raw, ok := terms["price"]
	if !ok {
		return nil
	}
	var price float64
	if json.Unmarshal(raw, &price) != nil || price < 0 {
		return nil
	}
	return &price
}
