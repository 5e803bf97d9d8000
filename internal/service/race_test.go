package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"fleetops/internal/logger"
	"fleetops/internal/models"
	"fleetops/internal/repository/memory"
)

// laggingStore serves a request snapshot taken before another writer
// committed, and can run that writer right before the next store write.
type laggingStore struct {
	*memory.Store

	mu          sync.Mutex
	stale       *models.Request
	beforeWrite func()
}

func (l *laggingStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	l.mu.Lock()
	stale := l.stale
	l.stale = nil
	l.mu.Unlock()

	if stale != nil && stale.Id == id {
		return *stale, nil
	}
	return l.Store.GetRequest(ctx, id)
}

func (l *laggingStore) AcceptOffer(ctx context.Context, requestId, offerId string) (models.Request, error) {
	l.interleave()
	return l.Store.AcceptOffer(ctx, requestId, offerId)
}

func (l *laggingStore) TransitionRequest(ctx context.Context, tr models.Transition) (models.Request, error) {
	l.interleave()
	return l.Store.TransitionRequest(ctx, tr)
}

func (l *laggingStore) interleave() {
	l.mu.Lock()
	fn := l.beforeWrite
	l.beforeWrite = nil
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func newLaggingService(t *testing.T) (*Service, *laggingStore) {
	t.Helper()
	store := &laggingStore{Store: memory.New()}
	return NewService(store, testDirectory(), &recordingNotifier{}, models.Policies{}, logger.Discard()), store
}

func TestAcceptAfterCommittedAssignment(t *testing.T) {
	s, store := newLaggingService(t)
	ctx := context.Background()
	r1 := newRequest(t, s, "r1", "Towing")
	o1 := submit(t, s, r1.Id, "p1")
	o2 := submit(t, s, r1.Id, "p3")

	before, err := store.Store.GetRequest(ctx, r1.Id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store.AcceptOffer(ctx, r1.Id, o1.Id); err != nil {
		t.Fatal(err)
	}

	// request read before the winner committed, offer read after
	store.stale = &before
	_, err = s.AcceptOffer(ctx, r1.Id, o2.Id, "r1")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict for rejected offer, got %v", err)
	}

	// both reads predate the winner's commit
	r2 := newRequest(t, s, "r2", "Towing")
	o3 := submit(t, s, r2.Id, "p1")
	o4 := submit(t, s, r2.Id, "p3")
	store.beforeWrite = func() {
		if _, err := store.Store.AcceptOffer(ctx, r2.Id, o3.Id); err != nil {
			t.Error(err)
		}
	}
	_, err = s.AcceptOffer(ctx, r2.Id, o4.Id, "r2")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Expected ErrConflict from guarded accept, got %v", err)
	}

	req, _ := s.GetRequest(ctx, r2.Id)
	if req.Status != models.RequestAssigned || *req.AssignedOfferId != o3.Id {
		t.Errorf("Expected request assigned to %s, got %s %v", o3.Id, req.Status, req.AssignedOfferId)
	}
}

func TestAcceptOnClosedAssignment(t *testing.T) {
	s, _ := newLaggingService(t)
	ctx := context.Background()
	r1 := newRequest(t, s, "r1", "Towing")
	o1 := submit(t, s, r1.Id, "p1")
	o2 := submit(t, s, r1.Id, "p3")

	if _, err := s.AcceptOffer(ctx, r1.Id, o1.Id, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelRequest(ctx, r1.Id, "r1", nil); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{o1.Id, o2.Id} {
		_, err := s.AcceptOffer(ctx, r1.Id, id, "r1")
		if !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("Expected ErrInvalidState on cancelled request, got %v", err)
		}
	}
}

func TestAcceptRacingCancellation(t *testing.T) {
	s, store := newLaggingService(t)
	ctx := context.Background()
	r1 := newRequest(t, s, "r1", "Towing")
	o1 := submit(t, s, r1.Id, "p1")

	store.beforeWrite = func() {
		_, err := store.Store.TransitionRequest(ctx, models.Transition{
			RequestId: r1.Id, From: biddingStatuses, To: models.RequestCancelled, RejectOffers: true,
		})
		if err != nil {
			t.Error(err)
		}
	}
	_, err := s.AcceptOffer(ctx, r1.Id, o1.Id, "r1")
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
}

func TestTerminalTransitionRacingDecline(t *testing.T) {
	declineFirst := func(t *testing.T, store *laggingStore, requestId string) func() {
		return func() {
			_, err := store.Store.TransitionRequest(context.Background(), models.Transition{
				RequestId: requestId, From: biddingStatuses, To: models.RequestDeclined, RejectOffers: true,
			})
			if err != nil {
				t.Error(err)
			}
		}
	}

	t.Run("cancel", func(t *testing.T) {
		s, store := newLaggingService(t)
		r1 := newRequest(t, s, "r1", "Towing")
		store.beforeWrite = declineFirst(t, store, r1.Id)

		_, err := s.CancelRequest(context.Background(), r1.Id, "r1", nil)
		if !errors.Is(err, models.ErrInvalidState) {
			t.Fatalf("Expected ErrInvalidState, got %v", err)
		}
		if errors.Is(err, models.ErrConflict) {
			t.Fatalf("Expected no ErrConflict once the request is closed, got %v", err)
		}

		req, _ := s.GetRequest(context.Background(), r1.Id)
		if req.Status != models.RequestDeclined {
			t.Errorf("Expected Declined, got %s", req.Status)
		}
	})

	t.Run("advance", func(t *testing.T) {
		s, store := newLaggingService(t)
		r1 := newRequest(t, s, "r1", "Towing")
		store.beforeWrite = declineFirst(t, store, r1.Id)

		_, err := s.AdvanceStatus(context.Background(), AdvanceParams{
			RequestId: r1.Id, TargetStatus: models.RequestCancelled, ActorId: "r1",
		})
		if !errors.Is(err, models.ErrInvalidTransition) {
			t.Fatalf("Expected ErrInvalidTransition, got %v", err)
		}

		req, _ := s.GetRequest(context.Background(), r1.Id)
		if req.Status != models.RequestDeclined || req.Version != 2 {
			t.Errorf("Expected Declined v2, got %s v%d", req.Status, req.Version)
		}
	})

	t.Run("live conflict", func(t *testing.T) {
		s, store := newLaggingService(t)
		r1 := newRequest(t, s, "r1", "Towing")
		o1 := submit(t, s, r1.Id, "p1")
		store.beforeWrite = func() {
			if _, err := store.Store.AcceptOffer(context.Background(), r1.Id, o1.Id); err != nil {
				t.Error(err)
			}
		}

		// the request moved on but is still live, so the caller should re-fetch
		_, err := s.CancelRequest(context.Background(), r1.Id, "r1", nil)
		if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("Expected ErrConflict, got %v", err)
		}
	})
}
