package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/geo"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/internal/storage"
	"github.com/terrachat/terrachat/internal/telemetry"
	"github.com/terrachat/terrachat/pkg/types"
)

const (
	// DefaultConcurrency is the number of turns processed in parallel.
	DefaultConcurrency = 4
	// DefaultTurnTimeout bounds one provider round trip including retries.
	DefaultTurnTimeout = 2 * time.Minute
	// DefaultMaxRetries is the number of extra attempts for transient
	// provider failures.
	DefaultMaxRetries = 2
	// DefaultRetryInterval is the initial backoff between attempts.
	DefaultRetryInterval = time.Second
	// RetryMaxInterval caps the backoff between attempts.
	RetryMaxInterval = 30 * time.Second
)

// interruptedMessage is recorded for turns cut short by a restart.
const interruptedMessage = "interrupted before completion"

// Store is the persistence the worker needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessionsByStatus(ctx context.Context, status types.Status) ([]*types.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error)
	AppendMessage(ctx context.Context, msg *types.Message) error
	TransitionStatus(ctx context.Context, id string, to types.Status) (*types.Session, error)
	GetSettings(ctx context.Context, userID string) (*types.UserSettings, error)
}

// Gateways resolves the provider gateway for a turn.
type Gateways interface {
	Gateway(ctx context.Context, p types.AIProvider, user *types.UserSettings) (provider.Gateway, error)
}

// Publisher receives the worker's session and message events.
type Publisher interface {
	Publish(e event.Event) error
}

// Options tunes a Worker. Zero values take the defaults.
type Options struct {
	Concurrency   int
	TurnTimeout   time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration

	// NoRetry disables retries of transient provider failures.
	NoRetry bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = DefaultTurnTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.NoRetry {
		o.MaxRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Worker drives analysis turns through pending → processing → completed
// or failed. Every turn that enters processing ends in a terminal state.
type Worker struct {
	store      Store
	gateways   Gateways
	bus        Publisher
	subscriber message.Subscriber
	opts       Options

	sem   *semaphore.Weighted
	lanes *lanes
	wg    sync.WaitGroup
}

// New creates a worker that consumes jobs from subscriber.
func New(store Store, gateways Gateways, bus Publisher, subscriber message.Subscriber, opts Options) *Worker {
	opts = opts.withDefaults()
	w := &Worker{
		store:      store,
		gateways:   gateways,
		bus:        bus,
		subscriber: subscriber,
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	w.lanes = newLanes(&w.wg, w.runJob)
	return w
}

// Start recovers interrupted turns, subscribes to the job topic and
// consumes jobs until ctx is cancelled. The subscription is in place when
// Start returns.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		logging.Warn().Err(err).Msg("failed to recover interrupted turns")
	}

	jobs, err := w.subscriber.Subscribe(ctx, JobTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", JobTopic, err)
	}

	w.wg.Add(1)
	go w.consume(ctx, jobs)
	logging.Info().Int("concurrency", w.opts.Concurrency).Msg("analysis worker started")
	return nil
}

// Wait blocks until the consumer and every in-flight turn have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, jobs <-chan *message.Message) {
	defer w.wg.Done()

	for msg := range jobs {
		msg.Ack()
		var job Job
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			logging.Error().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable job")
			continue
		}
		w.lanes.push(ctx, job)
	}
}

// runJob holds a concurrency slot only while the job itself runs.
func (w *Worker) runJob(ctx context.Context, job Job) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		logging.Warn().Str("sessionID", job.SessionID).Str("messageID", job.MessageID).Msg("worker stopping, dropping job")
		return
	}
	defer w.sem.Release(1)
	if err := w.Process(ctx, job); err != nil {
		logging.Error().Err(err).Str("sessionID", job.SessionID).Msg("analysis turn failed")
	}
}

// Process answers the oldest unanswered user message of the job's session.
// Jobs may arrive in any order; each one moves the session one turn ahead,
// so every turn is answered once and in submission order. A job that finds
// nothing left to answer, such as a duplicate delivery, is a no-op.
// Callers must not run two jobs of one session at the same time; the
// worker's consumer runs them one after another.
func (w *Worker) Process(ctx context.Context, job Job) error {
	log := logging.With().Str("sessionID", job.SessionID).Logger()

	session, err := w.store.GetSession(ctx, job.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("session no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	messages, err := w.store.ListMessages(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	trigger := nextTurn(messages)
	if trigger < 0 {
		log.Info().Str("messageID", job.MessageID).Str("status", string(session.Status)).Msg("no unanswered turn, skipping job")
		return nil
	}
	triggerID := messages[trigger].ID
	log = log.With().Str("messageID", triggerID).Logger()

	current, err := w.store.TransitionStatus(ctx, session.ID, types.StatusProcessing)
	if errors.Is(err, storage.ErrInvalidTransition) && current != nil {
		log.Warn().Str("status", string(current.Status)).Msg("session is busy, skipping job")
		return nil
	}
	if err != nil {
		return err
	}
	w.publish(event.NewSessionEvent(current))

	prompt := messages[trigger].Content
	history := historyFor(messages, trigger)

	spanCtx, span := telemetry.StartSpan(ctx, "analysis.turn", trace.WithAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("analysis.type", string(session.AnalysisType)),
	))
	p, reply, runErr := w.runTurn(spanCtx, current, history, prompt)
	telemetry.EndSpan(span, runErr)

	persist := context.WithoutCancel(ctx)
	if runErr == nil {
		runErr = w.saveReply(persist, current, triggerID, p, reply)
		if runErr == nil {
			log.Info().Str("provider", string(p)).Msg("analysis completed")
			return w.finish(persist, session.ID, types.StatusCompleted)
		}
	}

	log.Warn().Err(runErr).Str("provider", string(p)).Str("category", Categorize(runErr)).Msg("analysis failed")
	if err := w.saveFailure(persist, session.ID, triggerID, runErr); err != nil {
		log.Error().Err(err).Msg("failed to record failure message")
	}
	return w.finish(persist, session.ID, types.StatusFailed)
}

// runTurn resolves the provider, builds the conversation and calls the
// gateway. Panics are turned into errors so the turn still fails cleanly.
func (w *Worker) runTurn(ctx context.Context, session *types.Session, history []*types.Message, prompt string) (p types.AIProvider, reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("stack", string(debug.Stack())).
				Str("sessionID", session.ID).Msg("recovered panic in analysis turn")
			err = &panicError{value: r}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.opts.TurnTimeout)
	defer cancel()

	settings, err := w.store.GetSettings(ctx, session.UserID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load settings: %w", err)
	}
	p = provider.SelectProvider(session.AIProvider, settings.AIProvider)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("ai.provider", string(p)))

	gateway, err := w.gateways.Gateway(ctx, p, settings)
	if err != nil {
		return p, "", err
	}

	var area *geo.Summary
	if len(session.AreaOfInterest) > 0 && string(session.AreaOfInterest) != "null" {
		if area, err = geo.Summarize(session.AreaOfInterest); err != nil {
			return p, "", err
		}
	}

	reply, err = w.chat(ctx, gateway, BuildConversation(session, area, history, prompt))
	return p, reply, err
}

func (w *Worker) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, w.opts.MaxRetries), ctx)
}

func (w *Worker) chat(ctx context.Context, gateway provider.Gateway, conversation []provider.ChatMessage) (string, error) {
	var reply string
	op := func() error {
		var err error
		reply, err = gateway.Chat(ctx, conversation, provider.DefaultTemperature)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logging.Warn().Err(err).Str("provider", string(gateway.ID())).Dur("retryIn", next).Msg("retrying provider call")
	}
	if err := backoff.RetryNotify(op, w.newRetryBackoff(ctx), notify); err != nil {
		return "", err
	}
	return reply, nil
}

func (w *Worker) saveReply(ctx context.Context, session *types.Session, triggerID string, p types.AIProvider, reply string) error {
	payload := map[string]any{
		types.PayloadAnalysisType: string(session.AnalysisType),
		types.PayloadProvider:     string(p),
	}
	if triggerID != "" {
		payload[types.PayloadReplyTo] = triggerID
	}
	msg := &types.Message{
		ID:        types.NewID(),
		SessionID: session.ID,
		Role:      types.RoleAssistant,
		Content:   reply,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save reply: %w", err)
	}
	w.publish(event.NewMessageEvent(msg))
	return nil
}

func (w *Worker) saveFailure(ctx context.Context, sessionID, triggerID string, cause error) error {
	text := failureText(cause)
	payload := map[string]any{
		types.PayloadError:        Categorize(cause),
		types.PayloadErrorMessage: text,
	}
	if triggerID != "" {
		payload[types.PayloadReplyTo] = triggerID
	}
	msg := &types.Message{
		ID:        types.NewID(),
		SessionID: sessionID,
		Role:      types.RoleSystem,
		Content:   "Analysis failed: " + text,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	w.publish(event.NewMessageEvent(msg))
	return nil
}

func (w *Worker) finish(ctx context.Context, sessionID string, to types.Status) error {
	session, err := w.store.TransitionStatus(ctx, sessionID, to)
	if err != nil {
		return fmt.Errorf("failed to mark session %s: %w", to, err)
	}
	w.publish(event.NewSessionEvent(session))
	return nil
}

// Recover fails every session left in processing, which only happens when
// a previous process stopped mid-turn. Call it before consuming jobs.
func (w *Worker) Recover(ctx context.Context) error {
	stuck, err := w.store.ListSessionsByStatus(ctx, types.StatusProcessing)
	if err != nil {
		return err
	}
	for _, session := range stuck {
		// The interrupted turn is the oldest unanswered one.
		triggerID := ""
		if messages, err := w.store.ListMessages(ctx, session.ID); err == nil {
			if i := nextTurn(messages); i >= 0 {
				triggerID = messages[i].ID
			}
		}
		cause := errors.New(interruptedMessage)
		if err := w.saveFailure(ctx, session.ID, triggerID, cause); err != nil {
			logging.Error().Err(err).Str("sessionID", session.ID).Msg("failed to record interrupted turn")
		}
		if err := w.finish(ctx, session.ID, types.StatusFailed); err != nil {
			logging.Error().Err(err).Str("sessionID", session.ID).Msg("failed to fail interrupted turn")
		}
		logging.Info().Str("sessionID", session.ID).Msg("recovered interrupted turn")
	}
	return nil
}

func (w *Worker) publish(e event.Event) {
	if err := w.bus.Publish(e); err != nil {
		logging.Warn().Err(err).Str("sessionID", e.SessionID).Str("type", string(e.Type)).Msg("failed to publish event")
	}
}

// nextTurn locates the oldest user message that has no reply yet.
func nextTurn(messages []*types.Message) int {
	for i, m := range messages {
		if m.Role == types.RoleUser && !answered(messages, i) {
			return i
		}
	}
	return -1
}

// historyFor returns the transcript that precedes the trigger: every
// earlier message plus replies to earlier messages that were appended after
// the trigger was submitted.
func historyFor(messages []*types.Message, trigger int) []*types.Message {
	if trigger < 0 {
		return messages
	}
	history := append([]*types.Message(nil), messages[:trigger]...)
	earlier := make(map[string]bool, trigger)
	for _, m := range messages[:trigger] {
		earlier[m.ID] = true
	}
	for _, m := range messages[trigger+1:] {
		if id, _ := m.Payload[types.PayloadReplyTo].(string); m.IsReply() && earlier[id] {
			history = append(history, m)
		}
	}
	return history
}

// answered reports whether the trigger already has a reply. Replies carry
// the id of the message they answer; older replies without one count when
// they directly follow the trigger.
func answered(messages []*types.Message, trigger int) bool {
	if trigger < 0 {
		return false
	}
	id := messages[trigger].ID
	for _, m := range messages[trigger+1:] {
		if m.RepliesTo(id) {
			return true
		}
	}
	next := trigger + 1
	if next < len(messages) && messages[next].IsReply() {
		if _, tagged := messages[next].Payload[types.PayloadReplyTo]; !tagged {
			return true
		}
	}
	return false
}
