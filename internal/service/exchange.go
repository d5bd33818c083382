package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/lock"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
)

// Result is the outcome of a finished exchange.
type Result struct {
	State   domain.ExchangeState
	Message *domain.Message
	Session *domain.Session
}

// Exchange is one send-message round trip: the user message, the streamed
// assistant reply, and its persistence. Deltas arrive in order on Deltas()
// until the exchange reaches a terminal state.
type Exchange struct {
	ID        string
	SessionID string
	// MessageID is the id of the assistant message being produced.
	MessageID string

	svc      *Service
	live     *liveSession
	identity domain.Identity
	prefs    *domain.Preferences
	lease    *lock.Lease
	model    string
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	admission ratelimit.Decision

	mu       sync.Mutex
	state    domain.ExchangeState
	err      error
	message  *domain.Message
	queue    []domain.MessageDelta
	closed   bool
	detached bool

	notify   chan struct{}
	detachCh chan struct{}
	out      chan domain.MessageDelta
	done     chan struct{}
}

func newExchange(s *Service, l *liveSession, identity domain.Identity, prefs *domain.Preferences, lease *lock.Lease, model string) *Exchange {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exchange{
		ID:        "ex_" + uuid.NewString(),
		SessionID: l.id,
		MessageID: domain.NewMessageID(),
		svc:       s,
		live:      l,
		identity:  identity,
		prefs:     prefs,
		lease:     lease,
		model:     model,
		started:   s.now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.StateValidating,
		notify:    make(chan struct{}, 1),
		detachCh:  make(chan struct{}),
		out:       make(chan domain.MessageDelta),
		done:      make(chan struct{}),
	}
	go e.pump()
	return e
}

// Deltas returns the ordered stream of changes. The channel is closed after
// the terminal delta.
func (e *Exchange) Deltas() <-chan domain.MessageDelta {
	return e.out
}

// Detach stops delivery on Deltas. The exchange keeps running and its
// events are still published.
func (e *Exchange) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return
	}
	e.detached = true
	e.queue = nil
	close(e.detachCh)
}

// discard stops an exchange that never ran. Its lease stays held.
func (e *Exchange) discard() {
	e.Detach()
	e.cancel()
}

// Cancel stops the inference stream. It has no effect outside streaming.
func (e *Exchange) Cancel() {
	e.cancel()
}

// State returns the current state.
func (e *Exchange) State() domain.ExchangeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error of a failed exchange.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Admission returns the rate limiter's decision for this exchange.
func (e *Exchange) Admission() ratelimit.Decision {
	return e.admission
}

// Done is closed when the exchange reaches a terminal state.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange finishes or ctx ends.
func (e *Exchange) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res := Result{State: e.state, Session: e.live.snapshot()}
	if e.message != nil {
		m := e.message.Clone()
		res.Message = &m
	}
	return res, e.err
}

func (e *Exchange) emit(d domain.MessageDelta) {
	d.SessionID = e.SessionID
	if d.MessageID == "" && d.Type != domain.DeltaSnapshot {
		d.MessageID = e.MessageID
	}

	e.mu.Lock()
	if !e.detached && !e.closed {
		e.queue = append(e.queue, d)
	}
	e.mu.Unlock()
	e.signal()

	e.svc.publish(domain.Event{Type: domain.EventMessageDelta, SessionID: e.SessionID, Delta: &d})
}

func (e *Exchange) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Exchange) setState(state domain.ExchangeState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.emit(domain.MessageDelta{Type: domain.DeltaState, State: state})
}

// terminate records the terminal state. finish must follow.
func (e *Exchange) terminate(state domain.ExchangeState, err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	if err != nil {
		e.emit(domain.MessageDelta{Type: domain.DeltaError, Error: domain.ToErrorBody(err)})
	}
	e.setState(state)
}

func (e *Exchange) closeDeltas() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

// pump moves queued deltas to the consumer so that a slow or absent reader
// never blocks the exchange.
func (e *Exchange) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		if e.detached {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-e.notify:
			case <-e.detachCh:
			}
			continue
		}
		d := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		select {
		case e.out <- d:
		case <-e.detachCh:
			return
		}
	}
}
