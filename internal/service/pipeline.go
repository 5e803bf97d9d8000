package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fleetops/internal/eligibility"
	"fleetops/internal/models"
)

type AdvanceParams struct {
	RequestId    string               `json:"-"`
	TargetStatus models.RequestStatus `json:"targetStatus"`
	ActorId      string               `json:"actorId"`
	FinalCost    *float64             `json:"finalCost"`
	Reason       *string              `json:"reason"`
}

var biddingStatuses = []models.RequestStatus{models.RequestOpen, models.RequestQuotesReceived}

// AdvanceStatus moves a request along its pipeline:
//
//	Assigned -> InProgress -> Completed   assigned provider, or the requester if the category allows
//	any non-terminal -> Cancelled         requester
//	Open|QuotesReceived|Assigned -> Declined   provider
//
// Any other edge fails with ErrInvalidTransition and leaves the request as is.
func (s *Service) AdvanceStatus(ctx context.Context, p AdvanceParams) (models.Request, error) {
	req, err := s.store.GetRequest(ctx, p.RequestId)
	if err != nil {
		return req, fmt.Errorf("service.Service.AdvanceStatus: %w", err)
	}
	if req.Status.Terminal() {
		return models.Request{}, fmt.Errorf("service.Service.AdvanceStatus: request is %s: %w", req.Status, models.ErrInvalidTransition)
	}
	if p.FinalCost != nil && (p.TargetStatus != models.RequestCompleted || *p.FinalCost < 0) {
		return models.Request{}, fmt.Errorf("service.Service.AdvanceStatus: %w: finalCost only applies to completion and must not be negative", models.ErrValidation)
	}

	switch p.TargetStatus {
	case models.RequestCancelled:
		req, err = s.cancel(ctx, req, p.ActorId, p.Reason)
	case models.RequestDeclined:
		req, err = s.decline(ctx, req, p.ActorId, p.Reason)
	case models.RequestInProgress, models.RequestCompleted:
		req, err = s.advance(ctx, req, p)
	default:
		err = fmt.Errorf("%s -> %s: %w", req.Status, p.TargetStatus, models.ErrInvalidTransition)
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("service.Service.AdvanceStatus: %w", s.closedMeanwhile(ctx, p.RequestId, err, models.ErrInvalidTransition))
	}

	return req, nil
}

// CancelRequest closes a request on behalf of its requester.
func (s *Service) CancelRequest(ctx context.Context, requestId, actorId string, reason *string) (models.Request, error) {
	req, err := s.store.GetRequest(ctx, requestId)
	if err != nil {
		return req, fmt.Errorf("service.Service.CancelRequest: %w", err)
	}
	if req.Status.Terminal() {
		return models.Request{}, fmt.Errorf("service.Service.CancelRequest: request is %s: %w", req.Status, models.ErrInvalidState)
	}

	req, err = s.cancel(ctx, req, actorId, reason)
	if err != nil {
		return models.Request{}, fmt.Errorf("service.Service.CancelRequest: %w", s.closedMeanwhile(ctx, requestId, err, models.ErrInvalidState))
	}
	return req, nil
}

// closedMeanwhile turns a lost guard into the terminal-state error the
// caller would have got had it read the request a moment later.
func (s *Service) closedMeanwhile(ctx context.Context, requestId string, err error, terminalErr error) error {
	if !errors.Is(err, models.ErrConflict) {
		return err
	}
	req, gerr := s.store.GetRequest(ctx, requestId)
	if gerr != nil || !req.Status.Terminal() {
		return err
	}
	return fmt.Errorf("request is %s: %w", req.Status, terminalErr)
}

func (s *Service) advance(ctx context.Context, req models.Request, p AdvanceParams) (models.Request, error) {
	var event models.EventType
	switch {
	case req.Status == models.RequestAssigned && p.TargetStatus == models.RequestInProgress:
		event = models.EventRequestStarted
	case req.Status == models.RequestInProgress && p.TargetStatus == models.RequestCompleted:
		event = models.EventRequestCompleted
	default:
		return models.Request{}, fmt.Errorf("%s -> %s: %w", req.Status, p.TargetStatus, models.ErrInvalidTransition)
	}

	provider, err := s.assignedProvider(ctx, req)
	if err != nil {
		return models.Request{}, err
	}
	switch {
	case len(p.ActorId) > 0 && p.ActorId == provider:
	case p.ActorId == req.RequesterId && s.policies.For(req.Category).RequesterMayAdvance:
	default:
		return models.Request{}, models.ErrForbidden
	}

	updated, err := s.store.TransitionRequest(ctx, models.Transition{
		RequestId: req.Id,
		From:      []models.RequestStatus{req.Status},
		To:        p.TargetStatus,
		FinalCost: p.FinalCost,
	})
	if err != nil {
		return models.Request{}, err
	}

	s.emit(ctx, event, updated, nil, p.ActorId, false, updated.RequesterId, provider)
	return updated, nil
}

func (s *Service) cancel(ctx context.Context, req models.Request, actorId string, reason *string) (models.Request, error) {
	if actorId != req.RequesterId {
		return models.Request{}, models.ErrForbidden
	}
	return s.terminate(ctx, req, models.RequestCancelled, models.EventRequestCancelled, actorId, reason)
}

// decline lets a provider turn a request down. While bidding is open any
// eligible provider may do so; once assigned only the assigned one.
func (s *Service) decline(ctx context.Context, req models.Request, actorId string, reason *string) (models.Request, error) {
	switch {
	case req.Status == models.RequestAssigned:
		provider, err := s.assignedProvider(ctx, req)
		if err != nil {
			return models.Request{}, err
		}
		if len(actorId) == 0 || actorId != provider {
			return models.Request{}, models.ErrForbidden
		}
	case req.Status.AcceptsOffers():
		actor, err := s.resolveActor(ctx, actorId)
		if errors.Is(err, models.ErrNotFound) {
			return models.Request{}, models.ErrForbidden
		} else if err != nil {
			return models.Request{}, err
		}
		if !actor.IsProvider() || !eligibility.IsEligible(req, actor.Profile) {
			return models.Request{}, models.ErrForbidden
		}
	default:
		return models.Request{}, fmt.Errorf("%s -> %s: %w", req.Status, models.RequestDeclined, models.ErrInvalidTransition)
	}

	return s.terminate(ctx, req, models.RequestDeclined, models.EventRequestDeclined, actorId, reason)
}

// terminate moves req to a terminal status and rejects its pending offers.
// While bidding, the guard accepts either bidding status.
func (s *Service) terminate(ctx context.Context, req models.Request, to models.RequestStatus, event models.EventType, actorId string, reason *string) (models.Request, error) {
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		reason = &trimmed
		if len(trimmed) == 0 {
			reason = nil
		}
	}

	from := []models.RequestStatus{req.Status}
	bidding := req.Status.AcceptsOffers()
	if bidding {
		from = biddingStatuses
	}

	updated, err := s.store.TransitionRequest(ctx, models.Transition{
		RequestId:    req.Id,
		From:         from,
		To:           to,
		Reason:       reason,
		RejectOffers: true,
	})
	if err != nil {
		return models.Request{}, err
	}

	recipients := []string{updated.RequesterId}
	provider, err := s.assignedProvider(ctx, updated)
	if err != nil {
		s.log.ErrorContext(ctx, "could not resolve assigned provider for notification",
			slog.String("request_id", updated.Id), slog.String("error", err.Error()))
	} else if len(provider) > 0 {
		recipients = append(recipients, provider)
	}

	// providers still bidding lost their pending offers with this change
	if bidding {
		offers, err := s.store.ListOffers(ctx, updated.Id)
		if err != nil {
			s.log.ErrorContext(ctx, "could not list offers for notification",
				slog.String("request_id", updated.Id), slog.String("error", err.Error()))
		}
		for _, o := range offers {
			if o.Status == models.OfferRejected {
				recipients = append(recipients, o.ProviderId)
			}
		}
	}

	s.emit(ctx, event, updated, nil, actorId, false, recipients...)
	return updated, nil
}
