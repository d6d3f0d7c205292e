package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/internal/storage"
	"github.com/terrachat/terrachat/pkg/types"
)

type fakeGateway struct {
	mu    sync.Mutex
	id    types.AIProvider
	calls [][]provider.ChatMessage
	reply func(ctx context.Context, call int) (string, error)
}

func (f *fakeGateway) ID() types.AIProvider { return f.id }

func (f *fakeGateway) Chat(ctx context.Context, messages []provider.ChatMessage, _ float64) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	n := len(f.calls)
	f.mu.Unlock()
	return f.reply(ctx, n)
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) lastCall() []provider.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeGateways struct {
	gateway *fakeGateway
	err     error
}

func (f *fakeGateways) Gateway(_ context.Context, p types.AIProvider, _ *types.UserSettings) (provider.Gateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.gateway.id = p
	return f.gateway, nil
}

func replying(text string) *fakeGateway {
	return &fakeGateway{reply: func(context.Context, int) (string, error) { return text, nil }}
}

type harness struct {
	store  *storage.Storage
	bus    *event.Bus
	worker *Worker
}

func newHarness(t *testing.T, gateways Gateways, opts Options) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	return &harness{
		store:  store,
		bus:    bus,
		worker: New(store, gateways, bus, bus.PubSub(), opts),
	}
}

func (h *harness) session(t *testing.T, status types.Status) *types.Session {
	t.Helper()
	now := time.Now().UTC()
	s := &types.Session{
		ID:             types.NewID(),
		UserID:         "u1",
		AnalysisType:   types.AnalysisHeatIsland,
		Status:         types.StatusPending,
		AreaOfInterest: json.RawMessage(`{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, h.store.CreateSession(context.Background(), s))
	if status != types.StatusPending {
		_, err := h.store.TransitionStatus(context.Background(), s.ID, types.StatusProcessing)
		require.NoError(t, err)
		if status != types.StatusProcessing {
			_, err = h.store.TransitionStatus(context.Background(), s.ID, status)
			require.NoError(t, err)
		}
	}
	return s
}

func (h *harness) append(t *testing.T, sessionID string, role types.Role, content string, payload map[string]any) *types.Message {
	t.Helper()
	m := &types.Message{
		ID:        types.NewID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.AppendMessage(context.Background(), m))
	return m
}

func (h *harness) submit(t *testing.T, sessionID, content string) Job {
	t.Helper()
	m := h.append(t, sessionID, types.RoleUser, content, nil)
	return Job{SessionID: sessionID, MessageID: m.ID, Prompt: content}
}

func (h *harness) status(t *testing.T, id string) types.Status {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

func (h *harness) messages(t *testing.T, id string) []*types.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func collect(ch <-chan event.Event, n int, timeout time.Duration) []event.Event {
	var out []event.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestWorker_Success(t *testing.T) {
	gw := replying("Surface temperatures peak in the dense core.")
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)
	job := h.submit(t, session.ID, "Where are the hottest blocks?")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.bus.Subscribe(ctx, session.ID)
	require.NoError(t, err)

	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, types.StatusCompleted, h.status(t, session.ID))
	msgs := h.messages(t, session.ID)
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, types.RoleAssistant, reply.Role)
	assert.Equal(t, "Surface temperatures peak in the dense core.", reply.Content)
	assert.Equal(t, "heat_island", reply.Payload[types.PayloadAnalysisType])
	assert.Equal(t, "openai", reply.Payload[types.PayloadProvider])
	assert.Equal(t, job.MessageID, reply.Payload[types.PayloadReplyTo])

	got := collect(events, 3, time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, event.SessionUpdated, got[0].Type)
	assert.Equal(t, types.StatusProcessing, got[0].Session.Status)
	assert.Equal(t, event.MessageCreated, got[1].Type)
	assert.Equal(t, reply.ID, got[1].Message.ID)
	assert.Equal(t, event.SessionUpdated, got[2].Type)
	assert.Equal(t, types.StatusCompleted, got[2].Session.Status)

	conv := gw.lastCall()
	require.Len(t, conv, 2)
	assert.Equal(t, types.RoleSystem, conv[0].Role)
	assert.Contains(t, conv[0].Content, "Urban Heat Island analysis")
	assert.Contains(t, conv[1].Content, "User question: Where are the hottest blocks?")
}

func TestWorker_ProviderFailure(t *testing.T) {
	gw := &fakeGateway{reply: func(context.Context, int) (string, error) {
		return "", &provider.Error{Provider: types.ProviderOpenAI, StatusCode: http.StatusUnauthorized, Message: "API request failed (401): bad key"}
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)
	job := h.submit(t, session.ID, "Classify land cover")

	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
	assert.Equal(t, 1, gw.callCount(), "4xx is not retried")
	msgs := h.messages(t, session.ID)
	require.Len(t, msgs, 2)
	failure := msgs[1]
	assert.Equal(t, types.RoleSystem, failure.Role)
	assert.Equal(t, "Analysis failed: API request failed (401): bad key", failure.Content)
	assert.Equal(t, CategoryProvider, failure.Payload[types.PayloadError])
	assert.Equal(t, "API request failed (401): bad key", failure.Payload[types.PayloadErrorMessage])
	assert.True(t, failure.IsFailure())
}

func TestWorker_ConfigurationError(t *testing.T) {
	registry := provider.NewRegistry(nil)
	h := newHarness(t, registry, Options{})
	session := h.session(t, types.StatusPending)
	job := h.submit(t, session.ID, "hello")

	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
	msgs := h.messages(t, session.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, CategoryConfiguration, msgs[1].Payload[types.PayloadError])
}

func TestWorker_InvalidGeometry(t *testing.T) {
	gw := replying("unused")
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)
	session.AreaOfInterest = json.RawMessage(`{"type":"Point","coordinates":[500,0]}`)
	require.NoError(t, h.store.UpdateSession(context.Background(), session))
	job := h.submit(t, session.ID, "hello")

	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
	assert.Equal(t, 0, gw.callCount())
	msgs := h.messages(t, session.ID)
	assert.Equal(t, CategoryValidation, msgs[1].Payload[types.PayloadError])
}

func TestWorker_PanicEndsFailed(t *testing.T) {
	gw := &fakeGateway{reply: func(context.Context, int) (string, error) { panic("nil map") }}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "hello")))

	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
	msgs := h.messages(t, session.ID)
	assert.Equal(t, CategoryInternal, msgs[1].Payload[types.PayloadError])
	assert.Contains(t, msgs[1].Content, "nil map")
}

func TestWorker_TurnTimeout(t *testing.T) {
	gw := &fakeGateway{reply: func(ctx context.Context, _ int) (string, error) {
		<-ctx.Done()
		return "", &provider.Error{Provider: types.ProviderOpenAI, Message: "Request cancelled: " + ctx.Err().Error(), Err: ctx.Err()}
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{TurnTimeout: 50 * time.Millisecond})
	session := h.session(t, types.StatusPending)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "hello")))

	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
	msgs := h.messages(t, session.ID)
	assert.Equal(t, CategoryTimeout, msgs[1].Payload[types.PayloadError])
	assert.Equal(t, 1, gw.callCount())
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	gw := &fakeGateway{reply: func(_ context.Context, call int) (string, error) {
		if call == 1 {
			return "", &provider.Error{Provider: types.ProviderOpenAI, StatusCode: http.StatusServiceUnavailable, Message: "API request failed: 503 Service Unavailable"}
		}
		return "second time lucky", nil
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{RetryInterval: time.Millisecond})
	session := h.session(t, types.StatusPending)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "hello")))

	assert.Equal(t, types.StatusCompleted, h.status(t, session.ID))
	assert.Equal(t, 2, gw.callCount())
}

func TestWorker_NoRetry(t *testing.T) {
	gw := &fakeGateway{reply: func(context.Context, int) (string, error) {
		return "", &provider.Error{Provider: types.ProviderOpenAI, StatusCode: http.StatusBadGateway, Message: "API request failed: 502 Bad Gateway"}
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{NoRetry: true})
	session := h.session(t, types.StatusPending)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "hello")))
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, types.StatusFailed, h.status(t, session.ID))
}

func TestWorker_DuplicateJobIsNoop(t *testing.T) {
	gw := replying("once")
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)
	job := h.submit(t, session.ID, "hello")

	require.NoError(t, h.worker.Process(context.Background(), job))
	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, 1, gw.callCount())
	assert.Len(t, h.messages(t, session.ID), 2)
	assert.Equal(t, types.StatusCompleted, h.status(t, session.ID))

	// A job without a message id finds nothing left to answer either.
	require.NoError(t, h.worker.Process(context.Background(), Job{SessionID: session.ID, Prompt: "hello"}))
	assert.Equal(t, 1, gw.callCount())
}

func TestWorker_NewTurnReentersProcessing(t *testing.T) {
	gw := &fakeGateway{reply: func(_ context.Context, call int) (string, error) {
		if call == 1 {
			return "", &provider.Error{Provider: types.ProviderOpenAI, StatusCode: http.StatusBadRequest, Message: "API request failed (400): nope"}
		}
		return "answer", nil
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "first")))
	require.Equal(t, types.StatusFailed, h.status(t, session.ID))

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "first")))
	assert.Equal(t, types.StatusCompleted, h.status(t, session.ID))

	msgs := h.messages(t, session.ID)
	roles := make([]types.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []types.Role{types.RoleUser, types.RoleSystem, types.RoleUser, types.RoleAssistant}, roles)

	// The retried turn sees the earlier user message but not the failure record.
	conv := gw.lastCall()
	require.Len(t, conv, 3)
	assert.Equal(t, types.RoleUser, conv[1].Role)
	assert.Equal(t, "first", conv[1].Content)
	assert.Equal(t, types.RoleUser, conv[2].Role)
}

func TestWorker_QueuedTurnsAnsweredInOrder(t *testing.T) {
	gw := &fakeGateway{reply: func(_ context.Context, call int) (string, error) {
		return []string{"", "one", "two"}[call], nil
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)

	first := h.submit(t, session.ID, "q1")
	second := h.submit(t, session.ID, "q2")

	require.NoError(t, h.worker.Process(context.Background(), first))
	require.NoError(t, h.worker.Process(context.Background(), second))

	assert.Equal(t, 2, gw.callCount(), "second turn is not mistaken for a duplicate")
	msgs := h.messages(t, session.ID)
	require.Len(t, msgs, 4)
	assert.Equal(t, first.MessageID, msgs[2].Payload[types.PayloadReplyTo])
	assert.Equal(t, second.MessageID, msgs[3].Payload[types.PayloadReplyTo])

	// The answer to q1 landed after q2 but still precedes it in the second conversation.
	conv := gw.lastCall()
	require.Len(t, conv, 4)
	assert.Equal(t, "q1", conv[1].Content)
	assert.Equal(t, "one", conv[2].Content)
	assert.Contains(t, conv[3].Content, "User question: q2")
}

func TestWorker_BusySessionSkipped(t *testing.T) {
	gw := replying("unused")
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusProcessing)

	require.NoError(t, h.worker.Process(context.Background(), h.submit(t, session.ID, "hello")))
	assert.Equal(t, 0, gw.callCount())
	assert.Equal(t, types.StatusProcessing, h.status(t, session.ID))
}

func TestWorker_MissingSessionDropped(t *testing.T) {
	h := newHarness(t, &fakeGateways{gateway: replying("x")}, Options{})
	assert.NoError(t, h.worker.Process(context.Background(), Job{SessionID: "gone", Prompt: "hello"}))
}

func TestWorker_Recover(t *testing.T) {
	h := newHarness(t, &fakeGateways{gateway: replying("x")}, Options{})
	stuck := h.session(t, types.StatusProcessing)
	done := h.session(t, types.StatusCompleted)

	require.NoError(t, h.worker.Recover(context.Background()))

	assert.Equal(t, types.StatusFailed, h.status(t, stuck.ID))
	assert.Equal(t, types.StatusCompleted, h.status(t, done.ID))
	msgs := h.messages(t, stuck.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Analysis failed: "+interruptedMessage, msgs[0].Content)
	assert.Equal(t, CategoryInternal, msgs[0].Payload[types.PayloadError])
}

func TestWorker_RecoverTagsInterruptedTurn(t *testing.T) {
	h := newHarness(t, &fakeGateways{gateway: replying("x")}, Options{})
	stuck := h.session(t, types.StatusProcessing)
	first := h.submit(t, stuck.ID, "q1")
	h.submit(t, stuck.ID, "q2")

	require.NoError(t, h.worker.Recover(context.Background()))

	msgs := h.messages(t, stuck.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, first.MessageID, msgs[2].Payload[types.PayloadReplyTo])
	assert.Equal(t, 1, nextTurn(msgs), "q2 still waits for its answer")
}

func TestWorker_StartConsumesQueue(t *testing.T) {
	gw := replying("queued answer")
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{Concurrency: 2})
	session := h.session(t, types.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.bus.Subscribe(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Start(ctx))

	queue := NewQueue(h.bus.PubSub())
	job := h.submit(t, session.ID, "hello")
	require.NoError(t, queue.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		s, err := h.store.GetSession(context.Background(), session.ID)
		return err == nil && s.Status == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got := collect(events, 3, time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, types.StatusCompleted, got[2].Session.Status)

	cancel()
	h.worker.Wait()
}

func TestQueue_RejectsJobWithoutSession(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, logging.Watermill())
	defer pubsub.Close()
	assert.Error(t, NewQueue(pubsub).Enqueue(context.Background(), Job{Prompt: "x"}))
}

func TestLanes(t *testing.T) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		maxSeen int
		order   []string
	)
	l := newLanes(&wg, func(_ context.Context, job Job) {
		mu.Lock()
		active[job.SessionID]++
		if active[job.SessionID] > maxSeen {
			maxSeen = active[job.SessionID]
		}
		if job.SessionID == "s1" {
			order = append(order, job.MessageID)
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active[job.SessionID]--
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		l.push(context.Background(), Job{SessionID: "s1", MessageID: id})
		l.push(context.Background(), Job{SessionID: "s2", MessageID: id})
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, want, order)
	assert.Equal(t, 0, l.size())
}

func TestWorker_JobsArriveOutOfOrder(t *testing.T) {
	gw := &fakeGateway{reply: func(_ context.Context, call int) (string, error) {
		return []string{"", "one", "two"}[call], nil
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)

	first := h.submit(t, session.ID, "q1")
	second := h.submit(t, session.ID, "q2")

	require.NoError(t, h.worker.Process(context.Background(), second))
	require.NoError(t, h.worker.Process(context.Background(), first))
	require.NoError(t, h.worker.Process(context.Background(), first))

	assert.Equal(t, 2, gw.callCount())
	msgs := h.messages(t, session.ID)
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[2].Content)
	assert.Equal(t, first.MessageID, msgs[2].Payload[types.PayloadReplyTo])
	assert.Equal(t, "two", msgs[3].Content)
	assert.Equal(t, second.MessageID, msgs[3].Payload[types.PayloadReplyTo])
}

func TestWorker_StartAnswersTurnsInOrder(t *testing.T) {
	gw := &fakeGateway{reply: func(_ context.Context, call int) (string, error) {
		return fmt.Sprintf("answer %d", call), nil
	}}
	h := newHarness(t, &fakeGateways{gateway: gw}, Options{})
	session := h.session(t, types.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.worker.Start(ctx))
	queue := NewQueue(h.bus.PubSub())

	first := h.submit(t, session.ID, "q1")
	second := h.submit(t, session.ID, "q2")
	require.NoError(t, queue.Enqueue(ctx, second))
	require.NoError(t, queue.Enqueue(ctx, first))

	require.Eventually(t, func() bool {
		return len(h.messages(t, session.ID)) == 4 && h.status(t, session.ID) == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	msgs := h.messages(t, session.ID)
	assert.Equal(t, first.MessageID, msgs[2].Payload[types.PayloadReplyTo])
	assert.Equal(t, "answer 1", msgs[2].Content)
	assert.Equal(t, second.MessageID, msgs[3].Payload[types.PayloadReplyTo])
	assert.Equal(t, "answer 2", msgs[3].Content)

	cancel()
	h.worker.Wait()
}

// gatedGateway holds every question mentioning "slow" until release closes.
type gatedGateway struct {
	release chan struct{}
}

func (g *gatedGateway) ID() types.AIProvider { return types.ProviderOpenAI }

func (g *gatedGateway) Chat(ctx context.Context, messages []provider.ChatMessage, _ float64) (string, error) {
	question := messages[len(messages)-1].Content
	if strings.Contains(question, "slow") {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "done", nil
}

type staticGateways struct {
	gateway provider.Gateway
}

func (s staticGateways) Gateway(context.Context, types.AIProvider, *types.UserSettings) (provider.Gateway, error) {
	return s.gateway, nil
}

func TestWorker_BusySessionDoesNotStarveOthers(t *testing.T) {
	gw := &gatedGateway{release: make(chan struct{})}
	h := newHarness(t, staticGateways{gateway: gw}, Options{Concurrency: 2})
	slow := h.session(t, types.StatusPending)
	fast := h.session(t, types.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.worker.Start(ctx))
	queue := NewQueue(h.bus.PubSub())

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, h.submit(t, slow.ID, fmt.Sprintf("slow %d", i))))
	}
	require.NoError(t, queue.Enqueue(ctx, h.submit(t, fast.ID, "quick one")))

	require.Eventually(t, func() bool {
		return h.status(t, fast.ID) == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.StatusProcessing, h.status(t, slow.ID))

	close(gw.release)
	require.Eventually(t, func() bool {
		return len(h.messages(t, slow.ID)) == 6 && h.status(t, slow.ID) == types.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	h.worker.Wait()
}
