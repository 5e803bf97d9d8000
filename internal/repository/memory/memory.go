// Package memory is an in-process store with the same guarantees as the
// PostgreSQL repository. Each request owns a mutex that plays the role of the
// row lock; the store-wide lock only guards the indexes.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"fleetops/internal/eligibility"
	"fleetops/internal/models"
)

type entry struct {
	mu     sync.Mutex
	req    models.Request
	offers []models.Offer
}

type Store struct {
	mu       sync.RWMutex
	requests map[string]*entry
	order    []string
	offers   map[string]string // offer id -> request id

	now func() time.Time
}

func New() *Store {
	return &Store{
		requests: make(map[string]*entry),
		offers:   make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) entry(requestId string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.requests[requestId]
	return e, ok
}

func (s *Store) CreateRequest(ctx context.Context, req models.Request) (models.Request, error) {
	if err := ctx.Err(); err != nil {
		return models.Request{}, err
	}

	now := s.now()
	req.Version = 1
	req.Status = models.RequestOpen
	req.AssignedOfferId = nil
	req.FinalCost = nil
	req.CancelReason = nil
	req.CreatedAt = now
	req.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.Id]; ok {
		return models.Request{}, fmt.Errorf("memory.Store.CreateRequest: request '%s' exists: %w", req.Id, models.ErrValidation)
	}
	s.requests[req.Id] = &entry{req: req}
	s.order = append(s.order, req.Id)

	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (models.Request, error) {
	e, ok := s.entry(id)
	if !ok {
		return models.Request{}, fmt.Errorf("memory.Store.GetRequest: %w", models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, nil
}

// OpenRequests walks requests in creation order, reading each one's current
// state only when the iteration reaches it.
func (s *Store) OpenRequests(ctx context.Context, capabilities []string) iter.Seq2[models.Request, error] {
	return func(yield func(models.Request, error) bool) {
		s.mu.RLock()
		ids := slices.Clone(s.order)
		s.mu.RUnlock()

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(models.Request{}, fmt.Errorf("memory.Store.OpenRequests: %w", err))
				return
			}

			e, ok := s.entry(id)
			if !ok {
				continue
			}
			e.mu.Lock()
			req := e.req
			e.mu.Unlock()

			if !req.Status.AcceptsOffers() {
				continue
			}
			if capabilities != nil && !eligibility.Matches(req.Category, capabilities) {
				continue
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, models.Request, error) {
	if err := ctx.Err(); err != nil {
		return models.Offer{}, models.Request{}, err
	}

	e, ok := s.entry(offer.RequestId)
	if !ok {
		return models.Offer{}, models.Request{}, fmt.Errorf("memory.Store.CreateOffer: %w", models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.req.Status.AcceptsOffers() {
		return models.Offer{}, e.req, fmt.Errorf("memory.Store.CreateOffer: request is %s: %w", e.req.Status, models.ErrInvalidState)
	}
	for _, o := range e.offers {
		if o.ProviderId == offer.ProviderId && o.Status == models.OfferPending {
			return models.Offer{}, models.Request{}, fmt.Errorf("memory.Store.CreateOffer: %w", models.ErrDuplicateOffer)
		}
	}

	now := s.now()
	offer.Status = models.OfferPending
	offer.SubmittedAt = now
	offer.UpdatedAt = now

	s.mu.Lock()
	if _, taken := s.offers[offer.Id]; taken {
		s.mu.Unlock()
		return models.Offer{}, models.Request{}, fmt.Errorf("memory.Store.CreateOffer: offer '%s' exists: %w", offer.Id, models.ErrValidation)
	}
	s.offers[offer.Id] = offer.RequestId
	s.mu.Unlock()

	e.offers = append(e.offers, offer)
	if e.req.Status == models.RequestOpen {
		e.req.Status = models.RequestQuotesReceived
		e.req.Version++
		e.req.UpdatedAt = now
	}

	return offer, e.req, nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	s.mu.RLock()
	requestId, ok := s.offers[id]
	s.mu.RUnlock()
	if !ok {
		return models.Offer{}, fmt.Errorf("memory.Store.GetOffer: %w", models.ErrNotFound)
	}

	e, ok := s.entry(requestId)
	if !ok {
		return models.Offer{}, fmt.Errorf("memory.Store.GetOffer: %w", models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.offerIndex(id)
	if i < 0 {
		return models.Offer{}, fmt.Errorf("memory.Store.GetOffer: %w", models.ErrNotFound)
	}
	return e.offers[i], nil
}

func (s *Store) ListOffers(ctx context.Context, requestId string) ([]models.Offer, error) {
	e, ok := s.entry(requestId)
	if !ok {
		return []models.Offer{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.offers), nil
}

func (s *Store) CountOffers(ctx context.Context, requestId string) (int, error) {
	e, ok := s.entry(requestId)
	if !ok {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, o := range e.offers {
		if o.Status != models.OfferWithdrawn {
			n++
		}
	}
	return n, nil
}

func (s *Store) HasOffered(ctx context.Context, requestId, providerId string) (bool, error) {
	e, ok := s.entry(requestId)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range e.offers {
		if o.ProviderId == providerId && o.Status == models.OfferPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) WithdrawOffer(ctx context.Context, offerId, providerId string) (models.Offer, error) {
	s.mu.RLock()
	requestId, ok := s.offers[offerId]
	s.mu.RUnlock()
	if !ok {
		return models.Offer{}, fmt.Errorf("memory.Store.WithdrawOffer: %w", models.ErrNotFound)
	}

	e, ok := s.entry(requestId)
	if !ok {
		return models.Offer{}, fmt.Errorf("memory.Store.WithdrawOffer: %w", models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.offerIndex(offerId)
	switch {
	case i < 0:
		return models.Offer{}, fmt.Errorf("memory.Store.WithdrawOffer: %w", models.ErrNotFound)
	case e.offers[i].ProviderId != providerId:
		return models.Offer{}, fmt.Errorf("memory.Store.WithdrawOffer: %w", models.ErrForbidden)
	case e.offers[i].Status != models.OfferPending:
		return models.Offer{}, fmt.Errorf("memory.Store.WithdrawOffer: offer is %s: %w", e.offers[i].Status, models.ErrInvalidState)
	}

	e.offers[i].Status = models.OfferWithdrawn
	e.offers[i].UpdatedAt = s.now()
	return e.offers[i], nil
}

func (s *Store) AcceptOffer(ctx context.Context, requestId, offerId string) (models.Request, error) {
	if err := ctx.Err(); err != nil {
		return models.Request{}, err
	}

	e, ok := s.entry(requestId)
	if !ok {
		return models.Request{}, fmt.Errorf("memory.Store.AcceptOffer: %w", models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.req.Status.AcceptsOffers() {
		return models.Request{}, fmt.Errorf("memory.Store.AcceptOffer: request is %s: %w", e.req.Status, models.ErrConflict)
	}
	winner := e.offerIndex(offerId)
	if winner < 0 || e.offers[winner].Status != models.OfferPending {
		return models.Request{}, fmt.Errorf("memory.Store.AcceptOffer: offer '%s': %w", offerId, models.ErrInvalidState)
	}

	now := s.now()
	for i := range e.offers {
		switch {
		case i == winner:
			e.offers[i].Status = models.OfferAccepted
			e.offers[i].UpdatedAt = now
		case e.offers[i].Status == models.OfferPending:
			e.offers[i].Status = models.OfferRejected
			e.offers[i].UpdatedAt = now
		}
	}

	id := offerId
	e.req.Status = models.RequestAssigned
	e.req.AssignedOfferId = &id
	e.req.Version++
	e.req.UpdatedAt = now

	return e.req, nil
}

func (s *Store) TransitionRequest(ctx context.Context, tr models.Transition) (models.Request, error) {
	if len(tr.From) == 0 || !models.ValidRequestStatus(tr.To) {
		return models.Request{}, fmt.Errorf("memory.Store.TransitionRequest: %w", models.ErrInvalidTransition)
	}

	e, ok := s.entry(tr.RequestId)
	if !ok {
		return models.Request{}, fmt.Errorf("memory.Store.TransitionRequest: %w", models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status.Terminal() || !slices.Contains(tr.From, e.req.Status) {
		return models.Request{}, fmt.Errorf("memory.Store.TransitionRequest: request is %s: %w", e.req.Status, models.ErrConflict)
	}

	now := s.now()
	e.req.Status = tr.To
	e.req.Version++
	e.req.UpdatedAt = now
	if tr.FinalCost != nil {
		cost := *tr.FinalCost
		e.req.FinalCost = &cost
	}
	if tr.Reason != nil {
		reason := strings.Clone(*tr.Reason)
		e.req.CancelReason = &reason
	}

	if tr.RejectOffers {
		for i := range e.offers {
			if e.offers[i].Status == models.OfferPending {
				e.offers[i].Status = models.OfferRejected
				e.offers[i].UpdatedAt = now
			}
		}
	}

	return e.req, nil
}

func (e *entry) offerIndex(id string) int {
	return slices.IndexFunc(e.offers, func(o models.Offer) bool { return o.Id == id })
}
