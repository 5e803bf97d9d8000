package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleetops/internal/eligibility"
	"fleetops/internal/models"
)

type CreateRequestParams struct {
	RequesterId   string           `json:"requesterId"`
	RequesterRole models.ActorRole `json:"requesterRole"`
	SubjectRef    *string          `json:"subjectRef"`
	Category      string           `json:"category"`
	Location      *models.GeoPoint `json:"location"`
	Payload       json.RawMessage  `json:"payload"`
}

func (s *Service) CreateRequest(ctx context.Context, p CreateRequestParams) (models.Request, error) {
	p.RequesterId = strings.TrimSpace(p.RequesterId)
	p.Category = strings.TrimSpace(p.Category)
	if len(p.RequesterRole) == 0 {
		p.RequesterRole = models.RoleRequester
	}

	switch {
	case len(p.RequesterId) == 0:
		return models.Request{}, fmt.Errorf("service.Service.CreateRequest: %w: requesterId is empty", models.ErrValidation)
	case len(p.Category) == 0:
		return models.Request{}, fmt.Errorf("service.Service.CreateRequest: %w: category is empty", models.ErrValidation)
	case !models.ValidActorRole(p.RequesterRole):
		return models.Request{}, fmt.Errorf("service.Service.CreateRequest: %w: unknown role '%s'", models.ErrValidation, p.RequesterRole)
	case p.Location != nil && (p.Location.Lat < -90 || p.Location.Lat > 90 || p.Location.Lng < -180 || p.Location.Lng > 180):
		return models.Request{}, fmt.Errorf("service.Service.CreateRequest: %w: location out of range", models.ErrValidation)
	}

	// payload must carry what the category asks for
	policy := s.policies.For(p.Category)
	_, err := requireFields(p.Payload, policy.RequiredPayloadFields)
	if err != nil {
		return models.Request{}, fmt.Errorf("service.Service.CreateRequest: payload: %w", err)
	}

	req, err := s.store.CreateRequest(ctx, models.Request{
		Id:            s.newID(),
		RequesterId:   p.RequesterId,
		RequesterRole: p.RequesterRole,
		SubjectRef:    p.SubjectRef,
		Category:      p.Category,
		Location:      p.Location,
		Payload:       p.Payload,
	})
	if err != nil {
		return req, fmt.Errorf("service.Service.CreateRequest: %w", err)
	}

	s.emit(ctx, models.EventRequestCreated, req, nil, req.RequesterId, true)
	return req, nil
}

func (s *Service) GetRequest(ctx context.Context, requestId string) (models.Request, error) {
	req, err := s.store.GetRequest(ctx, requestId)
	if err != nil {
		return req, fmt.Errorf("service.Service.GetRequest: %w", err)
	}
	return req, nil
}

// ListEligibleRequests returns open requests the profile may bid on, oldest
// first. The store prefilters by capability; the full eligibility check runs
// here while the store sequence is consumed. limit <= 0 means no limit.
func (s *Service) ListEligibleRequests(ctx context.Context, profile models.ProviderProfile, limit, offset int) ([]models.Request, error) {
	requests := make([]models.Request, 0)
	if !profile.Available {
		return requests, nil
	}

	caps := profile.Capabilities
	if caps == nil {
		caps = []string{}
	}

	skipped := 0
	for req, err := range s.store.OpenRequests(ctx, caps) {
		if err != nil {
			return nil, fmt.Errorf("service.Service.ListEligibleRequests: %w", err)
		}
		if !eligibility.IsEligible(req, profile) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		requests = append(requests, req)
		if limit > 0 && len(requests) >= limit {
			break
		}
	}

	return requests, nil
}

// EligibleRequestsFor resolves providerId through the directory and lists
// the requests its profile is eligible for.
func (s *Service) EligibleRequestsFor(ctx context.Context, providerId string, limit, offset int) ([]models.Request, error) {
	actor, err := s.resolveActor(ctx, providerId)
	if err != nil {
		return nil, fmt.Errorf("service.Service.EligibleRequestsFor: %w", err)
	}
	if !actor.IsProvider() {
		return nil, fmt.Errorf("service.Service.EligibleRequestsFor: %w: '%s' is not a provider", models.ErrForbidden, providerId)
	}

	requests, err := s.ListEligibleRequests(ctx, actor.Profile, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("service.Service.EligibleRequestsFor: %w", err)
	}
	return requests, nil
}

// ListOffers returns the offers of a request together with the number of
// offers it received. The requester and operators see every offer, a
// provider only its own.
func (s *Service) ListOffers(ctx context.Context, requestId, actorId string) ([]models.Offer, int, error) {
	req, err := s.store.GetRequest(ctx, requestId)
	if err != nil {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", err)
	}

	offers, err := s.store.ListOffers(ctx, requestId)
	if err != nil {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", err)
	}

	count, err := s.store.CountOffers(ctx, requestId)
	if err != nil {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", err)
	}

	if actorId == req.RequesterId {
		return offers, count, nil
	}

	own := make([]models.Offer, 0)
	for _, o := range offers {
		if o.ProviderId == actorId {
			own = append(own, o)
		}
	}
	if len(own) > 0 {
		return own, count, nil
	}

	// operators oversee every request
	actor, err := s.resolveActor(ctx, actorId)
	if errors.Is(err, models.ErrNotFound) {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", models.ErrForbidden)
	} else if err != nil {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", err)
	}
	if actor.Role != models.RoleOperator {
		return nil, 0, fmt.Errorf("service.Service.ListOffers: %w", models.ErrForbidden)
	}

	return offers, count, nil
}
