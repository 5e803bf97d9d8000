package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"fleetops/internal/logger"
	"fleetops/internal/models"

	"github.com/google/uuid"
)

// Store keeps requests and offers. Every mutating method is atomic; the
// guarded ones report ErrConflict when the request moved on concurrently.
type Store interface {
	CreateRequest(ctx context.Context, req models.Request) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	OpenRequests(ctx context.Context, capabilities []string) iter.Seq2[models.Request, error]
	TransitionRequest(ctx context.Context, tr models.Transition) (models.Request, error)

	CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, models.Request, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, requestId string) ([]models.Offer, error)
	CountOffers(ctx context.Context, requestId string) (int, error)
	HasOffered(ctx context.Context, requestId, providerId string) (bool, error)
	WithdrawOffer(ctx context.Context, offerId, providerId string) (models.Offer, error)
	AcceptOffer(ctx context.Context, requestId, offerId string) (models.Request, error)
}

type Directory interface {
	ResolveActor(ctx context.Context, id string) (models.Actor, error)
	Providers(ctx context.Context) ([]models.Actor, error)
}

// Notifier must not block; delivery happens after the call returns.
type Notifier interface {
	Dispatch(evt models.Event)
}

type Service struct {
	store     Store
	directory Directory
	notifier  Notifier
	policies  models.Policies
	log       *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store Store, directory Directory, notifier Notifier, policies models.Policies, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:     store,
		directory: directory,
		notifier:  notifier,
		policies:  policies,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

//// Service

// emit hands an event for a committed change to the notifier. Recipients
// are deduplicated by the dispatcher.
func (s *Service) emit(ctx context.Context, t models.EventType, req models.Request, offer *models.Offer, actorId string, broadcast bool, recipients ...string) {
	evt := models.Event{
		Id:                s.newID(),
		Type:              t,
		Request:           req,
		Offer:             offer,
		ActorId:           actorId,
		Recipients:        recipients,
		BroadcastEligible: broadcast,
		OccurredAt:        s.now(),
	}

	s.log.DebugContext(ctx, "event emitted",
		slog.String("event_id", evt.Id),
		slog.String("event_type", string(t)),
		slog.String("request_id", req.Id))
	s.notifier.Dispatch(evt)
}

// resolveActor maps directory failures onto the engine's errors: an unknown
// actor keeps ErrNotFound, anything else is ErrDependency.
func (s *Service) resolveActor(ctx context.Context, id string) (models.Actor, error) {
	actor, err := s.directory.ResolveActor(ctx, id)
	switch {
	case err == nil:
		return actor, nil
	case errors.Is(err, models.ErrNotFound):
		return actor, err
	default:
		return actor, fmt.Errorf("%w: %w", models.ErrDependency, err)
	}
}

// assignedProvider returns the provider behind the request's accepted offer,
// or "" while the request is unassigned.
func (s *Service) assignedProvider(ctx context.Context, req models.Request) (string, error) {
	if req.AssignedOfferId == nil {
		return "", nil
	}
	offer, err := s.store.GetOffer(ctx, *req.AssignedOfferId)
	if err != nil {
		return "", err
	}
	return offer.ProviderId, nil
}

// requireFields checks that raw is a JSON object (or empty when nothing is
// required) carrying every listed non-null field.
func requireFields(raw json.RawMessage, fields []string) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		if len(fields) > 0 {
			return nil, fmt.Errorf("%w: missing fields %v", models.ErrValidation, fields)
		}
		return nil, nil
	}

	var obj map[string]json.RawMessage
	err := json.Unmarshal(raw, &obj)
	if err != nil || obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", models.ErrValidation)
	}

	for _, f := range fields {
		v, ok := obj[f]
		if !ok || string(v) == "null" {
			return nil, fmt.Errorf("%w: missing field '%s'", models.ErrValidation, f)
		}
	}
	return obj, nil
}
