// Package notifier delivers lifecycle events to actors off the request path.
// Dispatch only enqueues; a worker pool resolves recipients, renders messages
// and hands them to a Sink with bounded retries.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetops/internal/eligibility"
	"fleetops/internal/models"

	"golang.org/x/sync/errgroup"
)

// Sink delivers one rendered notification to one actor.
type Sink interface {
	Deliver(ctx context.Context, actorId string, eventType models.EventType, payload []byte) error
}

type Directory interface {
	ResolveActor(ctx context.Context, id string) (models.Actor, error)
	Providers(ctx context.Context) ([]models.Actor, error)
}

var ErrClosed = errors.New("notifier: dispatcher is closed")

type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

type Dispatcher struct {
	sink      Sink
	directory Directory
	policies  models.Policies
	log       *slog.Logger
	templates templates

	workers        int
	queueSize      int
	maxAttempts    int
	fanoutLimit    int
	deliverTimeout time.Duration
	backoff        Backoff

	queue  chan models.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	mu     sync.RWMutex
	closed bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithMaxAttempts bounds delivery attempts per recipient, first try included.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithFanoutLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanoutLimit = n
		}
	}
}

func WithDeliverTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.deliverTimeout = t
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.backoff = b
		}
	}
}

func NewDispatcher(sink Sink, directory Directory, policies models.Policies, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:           sink,
		directory:      directory,
		policies:       policies,
		log:            log,
		workers:        4,
		queueSize:      1024,
		maxAttempts:    3,
		fanoutLimit:    8,
		deliverTimeout: 10 * time.Second,
		backoff:        Exponential{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: true},
	}
	for _, opt := range opts {
		opt(d)
	}

	d.queue = make(chan models.Event, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start launches the workers. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		d.log.Info("notifier starting", slog.Int("workers", d.workers), slog.Int("queue_size", d.queueSize))
		for range d.workers {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Dispatch enqueues evt and returns immediately. When the queue is full or
// the dispatcher is closed the event is dropped and logged.
func (d *Dispatcher) Dispatch(evt models.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(evt, ErrClosed)
		return
	}

	select {
	case d.queue <- evt:
	default:
		d.drop(evt, errors.New("notifier: queue is full"))
	}
}

// Close stops accepting events and waits until queued ones are delivered.
// If ctx ends first, pending retries are abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	// drain even if Start was never called
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.log.Info("notifier stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("notifier shutdown timed out, abandoning pending deliveries")
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.handle(evt)
	}
}

func (d *Dispatcher) handle(evt models.Event) {
	recipients := d.recipients(d.ctx, evt)
	if len(recipients) == 0 {
		return
	}

	policy := d.policies.For(evt.Request.Category)

	var g errgroup.Group
	g.SetLimit(d.fanoutLimit)
	for _, actor := range recipients {
		g.Go(func() error {
			d.deliver(d.ctx, evt, policy, actor)
			return nil
		})
	}
	g.Wait()
}

// recipients resolves the explicit recipients of evt plus, for broadcasts,
// every provider currently eligible for the request. The acting actor is
// never notified of its own action.
func (d *Dispatcher) recipients(ctx context.Context, evt models.Event) []models.Actor {
	seen := map[string]bool{evt.ActorId: true, "": true}
	out := make([]models.Actor, 0, len(evt.Recipients))

	for _, id := range evt.Recipients {
		if seen[id] {
			continue
		}
		seen[id] = true

		actor, err := d.directory.ResolveActor(ctx, id)
		if err != nil {
			// deliver without contact details; the sink may still route by id
			d.log.Debug("notifier: recipient not resolved",
				slog.String("actor_id", id), slog.String("error", err.Error()))
			actor = models.Actor{Id: id}
		}
		out = append(out, actor)
	}

	if !evt.BroadcastEligible {
		return out
	}

	providers, err := d.directory.Providers(ctx)
	if err != nil {
		d.log.Error("notifier: could not list providers for broadcast",
			slog.String("event_type", string(evt.Type)),
			slog.String("request_id", evt.Request.Id),
			slog.String("error", err.Error()))
		return out
	}
	for _, p := range providers {
		if seen[p.Id] || !eligibility.IsEligible(evt.Request, p.Profile) {
			continue
		}
		seen[p.Id] = true
		out = append(out, p)
	}

	return out
}

func (d *Dispatcher) deliver(ctx context.Context, evt models.Event, policy models.CategoryPolicy, actor models.Actor) {
	n := newNotification(evt, actor)

	msg, err := d.templates.render(policy, n)
	if err != nil {
		d.log.Warn("notifier: template failed, using default",
			slog.String("event_type", string(evt.Type)), slog.String("error", err.Error()))
		msg, _ = d.templates.render(models.CategoryPolicy{}, n)
	}
	n.Message = msg

	payload, err := json.Marshal(n)
	if err != nil {
		d.failed.Add(1)
		d.log.Error("notifier: could not encode notification", slog.String("error", err.Error()))
		return
	}

	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, d.deliverTimeout)
		err = d.sink.Deliver(dctx, actor.Id, evt.Type, payload)
		cancel()
		if err == nil {
			d.delivered.Add(1)
			return
		}

		if attempt >= d.maxAttempts {
			d.failed.Add(1)
			d.log.Error("notification dropped after retries",
				slog.String("event_id", evt.Id),
				slog.String("event_type", string(evt.Type)),
				slog.String("actor_id", actor.Id),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return
		}

		timer := time.NewTimer(d.backoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			d.failed.Add(1)
			d.log.Warn("notification abandoned on shutdown",
				slog.String("event_id", evt.Id),
				slog.String("event_type", string(evt.Type)),
				slog.String("actor_id", actor.Id),
				slog.Int("attempts", attempt))
			return
		}
	}
}

func (d *Dispatcher) drop(evt models.Event, reason error) {
	d.dropped.Add(1)
	d.log.Warn("notification event dropped",
		slog.String("event_id", evt.Id),
		slog.String("event_type", string(evt.Type)),
		slog.String("request_id", evt.Request.Id),
		slog.String("error", reason.Error()))
}
