package clientsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/pkg/types"
)

// ErrClosed is returned by operations on a closed Sync.
var ErrClosed = errors.New("sync closed")

const (
	DefaultPollDelay    = 3 * time.Second
	DefaultPollInterval = 3 * time.Second
)

// API is the part of the HTTP client a Sync uses.
type API interface {
	FetchSession(ctx context.Context, sessionID string) (*types.SessionState, error)
	SubmitTurn(ctx context.Context, sessionID, content string, payload map[string]any) (*types.Message, error)
}

// Subscriber delivers live session events.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, fn client.Handler) (func(), error)
}

// Options tunes a Sync.
type Options struct {
	// PollDelay is the wait between a submission and the first poll.
	PollDelay time.Duration

	// PollInterval is the wait between polls while a reply is pending.
	PollInterval time.Duration

	// OnChange receives the transcript after every change. It runs on the
	// Sync's loop and must not call back into the Sync.
	OnChange func([]Entry)
}

func (o Options) withDefaults() Options {
	if o.PollDelay <= 0 {
		o.PollDelay = DefaultPollDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Sync keeps the displayed transcript of one open session. A single loop
// goroutine applies every push event, poll result and user action to the
// ledger, so no two merges interleave.
type Sync struct {
	sessionID string
	api       API
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	unsubscribe func()

	// Owned by the loop goroutine.
	ledger  *Ledger
	timer   *time.Timer
	timerC  <-chan time.Time
	polling bool

	mu       sync.RWMutex
	snapshot []Entry
	status   types.Status
}

// Open subscribes to the session, loads its state and starts the loop.
// sub may be nil, in which case only polling is used.
func Open(ctx context.Context, api API, sub Subscriber, sessionID string, opts Options) (*Sync, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &Sync{
		sessionID: sessionID,
		api:       api,
		opts:      opts.withDefaults(),
		ctx:       sctx,
		cancel:    cancel,
		ops:       make(chan func(), 16),
		done:      make(chan struct{}),
		ledger:    NewLedger(),
	}
	go s.loop()

	// Subscribe before loading so nothing published in between is missed.
	if sub != nil {
		unsubscribe, err := sub.Subscribe(ctx, sessionID, s.onEvent)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.unsubscribe = unsubscribe
	}

	state, err := api.FetchSession(ctx, sessionID)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.run(func() {
		s.apply(&Polled{State: state})
		if s.ledger.Pending() {
			s.arm(s.opts.PollInterval)
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionID returns the id of the synced session.
func (s *Sync) SessionID() string {
	return s.sessionID
}

// Snapshot returns a copy of the transcript. It is empty after Close.
func (s *Sync) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// Status returns the last session status seen.
func (s *Sync) Status() types.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Submit appends content optimistically and sends it to the server.
func (s *Sync) Submit(ctx context.Context, content string) error {
	op := &LocalSubmit{Content: content}
	var err error
	if rerr := s.run(func() {
		if err = s.apply(op); err == nil {
			s.arm(s.opts.PollDelay)
		}
	}); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	msg, err := s.api.SubmitTurn(ctx, s.sessionID, content, nil)
	if err != nil {
		s.post(func() { s.apply(&SubmitRejected{LocalID: op.LocalID, Err: err}) })
		return err
	}
	s.post(func() { s.apply(&SubmitConfirmed{LocalID: op.LocalID, Message: msg}) })
	return nil
}

// Retry re-submits the user turn that produced the failed entry. The
// failed entry is replaced by a placeholder and the user turn is not
// shown twice.
func (s *Sync) Retry(ctx context.Context, failedID string) error {
	op := &RetryStarted{FailedID: failedID}
	var err error
	if rerr := s.run(func() {
		if err = s.apply(op); err == nil {
			s.arm(s.opts.PollDelay)
		}
	}); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	msg, err := s.api.SubmitTurn(ctx, s.sessionID, op.Content, nil)
	if err != nil {
		s.post(func() { s.apply(&SubmitRejected{Err: err}) })
		return err
	}
	s.post(func() { s.apply(&SubmitConfirmed{Message: msg}) })
	return nil
}

// Close stops the subscription and the poll timer and discards the
// reconciliation state. It is safe to call more than once.
func (s *Sync) Close() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.cancel()
	})
	<-s.done
	s.wg.Wait()

	s.mu.Lock()
	s.snapshot = nil
	s.ledger = nil
	s.mu.Unlock()
}

func (s *Sync) loop() {
	defer close(s.done)
	defer s.disarm()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.ops:
			fn()
		case <-s.timerC:
			s.timer, s.timerC = nil, nil
			s.pollNow()
		}
	}
}

// onEvent runs on the subscriber's goroutine.
func (s *Sync) onEvent(e event.Event) {
	op := opFor(e)
	if op == nil {
		return
	}
	s.post(func() {
		wasPending := s.ledger.Pending()
		s.apply(op)
		// A terminal status cleared the placeholder; fetch once in case
		// the reply itself was missed.
		if _, ok := op.(*PushedSession); ok && wasPending && !s.ledger.Pending() {
			s.pollNow()
		}
	})
}

// post queues fn on the loop. It is dropped once the Sync is closed.
func (s *Sync) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.ctx.Done():
	}
}

// run executes fn on the loop and waits for it.
func (s *Sync) run(fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// apply runs on the loop.
func (s *Sync) apply(op Op) error {
	err := s.ledger.Apply(op)
	if !s.ledger.Pending() {
		s.disarm()
	}

	entries := s.ledger.Entries()
	s.mu.Lock()
	s.snapshot = entries
	s.status = s.ledger.Status()
	s.mu.Unlock()

	if s.opts.OnChange != nil {
		s.opts.OnChange(s.ledger.Entries())
	}
	return err
}

// pollNow starts a fetch unless one is running. Runs on the loop.
func (s *Sync) pollNow() {
	if s.polling {
		return
	}
	s.polling = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		state, err := s.api.FetchSession(s.ctx, s.sessionID)
		s.post(func() {
			s.polling = false
			if err != nil {
				logging.Debug().Err(err).Str("sessionID", s.sessionID).Msg("poll failed")
			} else {
				s.apply(&Polled{State: state})
			}
			if s.ledger.Pending() {
				s.arm(s.opts.PollInterval)
			}
		})
	}()
}

func (s *Sync) arm(d time.Duration) {
	s.disarm()
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (s *Sync) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}
