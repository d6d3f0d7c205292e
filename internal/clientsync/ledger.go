package clientsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/pkg/types"
)

// Id prefixes of client-only entries.
const (
	LocalPrefix   = "local-"
	LoadingPrefix = "loading-"
	FailedPrefix  = "failed-"
)

// FailedText is shown by a failure entry before the detailed message arrives.
const FailedText = "Analysis failed."

var (
	// ErrNotFailed is returned when a retry targets an entry that is not a failure.
	ErrNotFailed = errors.New("entry is not a failed turn")
	// ErrRetryInFlight is returned when a retry is already running.
	ErrRetryInFlight = errors.New("a retry is already in progress")
	// ErrNoUserTurn is returned when no user message precedes the failed entry.
	ErrNoUserTurn = errors.New("no user message precedes the failed entry")
)

// Entry is one row of the displayed transcript.
type Entry struct {
	ID        string         `json:"id"`
	Role      types.Role     `json:"role"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Local marks an optimistic user entry the server has not confirmed.
	Local bool `json:"local,omitempty"`
	// Loading marks a placeholder for a reply that is still being produced.
	Loading bool `json:"loading,omitempty"`
	// Failed marks a failed turn that can be retried.
	Failed bool `json:"failed,omitempty"`

	anchor string
	seq    uint64
	// answers is the user message a placeholder or synthetic failure
	// stands for: a server id once known, the local id before that, or
	// empty for a retry whose echo has not arrived.
	answers string
}

// confirmedTurn reports whether id names a stored user message.
func confirmedTurn(id string) bool {
	return id != "" && !strings.HasPrefix(id, LocalPrefix)
}

// clientOnly reports whether the entry exists only on this client.
func (e *Entry) clientOnly() bool {
	return e.Local || e.Loading || strings.HasPrefix(e.ID, FailedPrefix)
}

func entryFromMessage(m *types.Message) Entry {
	return Entry{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
		Failed:    m.IsFailure(),
	}
}

// Op is one atomic change to a Ledger.
type Op interface {
	apply(l *Ledger) error
}

// LocalSubmit appends an optimistic user entry and a reply placeholder.
type LocalSubmit struct {
	Content string
	At      time.Time

	// Filled in by Apply.
	LocalID string
}

// SubmitConfirmed carries the server's copy of a submitted user message.
// An empty LocalID confirms a retry, whose echo stays hidden.
type SubmitConfirmed struct {
	LocalID string
	Message *types.Message
}

// SubmitRejected reports a submission the server did not accept.
type SubmitRejected struct {
	LocalID string
	Err     error
}

// PushedMessage is a message event from the live subscription.
type PushedMessage struct {
	Message *types.Message
}

// PushedSession is a session_update event from the live subscription.
type PushedSession struct {
	Status    types.Status
	UpdatedAt time.Time
}

// Polled is a full session state fetched from the server.
type Polled struct {
	State *types.SessionState
}

// RetryStarted replaces a failed entry with a fresh placeholder.
type RetryStarted struct {
	FailedID string
	At       time.Time

	// Filled in by Apply: the user content to submit again.
	Content string
}

// Ledger is the reconciliation state of one open session. It is not safe
// for concurrent use; Sync serializes every Apply.
type Ledger struct {
	entries []Entry
	hidden  map[string]bool
	seq     uint64

	status   types.Status
	statusAt time.Time
	// turnStart is the server time of the newest stored user message.
	turnStart time.Time
	// superseded holds user message ids whose failed turn was retried;
	// late replies to them stay hidden.
	superseded map[string]bool

	retrying     bool
	retryContent string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{hidden: make(map[string]bool), superseded: make(map[string]bool)}
}

// Apply performs op and reorders the transcript.
func (l *Ledger) Apply(op Op) error {
	err := op.apply(l)
	l.order()
	if !l.Pending() {
		l.retrying = false
	}
	return err
}

// Entries returns a copy of the transcript in display order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Pending reports whether a reply placeholder is outstanding.
func (l *Ledger) Pending() bool {
	for i := range l.entries {
		if l.entries[i].Loading {
			return true
		}
	}
	return false
}

// Retrying reports whether a retry is in flight.
func (l *Ledger) Retrying() bool {
	return l.retrying
}

// Status is the last session status seen.
func (l *Ledger) Status() types.Status {
	return l.status
}

// Hidden reports whether a server message id is suppressed.
func (l *Ledger) Hidden(id string) bool {
	return l.hidden[id]
}

func (op *LocalSubmit) apply(l *Ledger) error {
	if err := types.ValidateContent(op.Content); err != nil {
		return err
	}
	if op.At.IsZero() {
		op.At = time.Now().UTC()
	}
	op.LocalID = LocalPrefix + uuid.NewString()

	anchor := l.lastServerID()
	l.append(Entry{ID: op.LocalID, Role: types.RoleUser, Content: op.Content, CreatedAt: op.At, Local: true, anchor: anchor})
	l.append(Entry{ID: LoadingPrefix + uuid.NewString(), Role: types.RoleAssistant, CreatedAt: op.At, Loading: true, anchor: anchor, answers: op.LocalID})
	l.retryContent = ""
	return nil
}

func (op *SubmitConfirmed) apply(l *Ledger) error {
	m := op.Message
	if m == nil {
		return nil
	}
	if op.LocalID == "" {
		// A retry of a turn whose user message was never stored confirms
		// the local entry; otherwise the echo is hidden.
		if i := l.index(m.ID); i >= 0 && !l.hidden[m.ID] {
			l.startTurn(m, "")
			l.retryContent = ""
			return nil
		}
		if i := l.localMatch(m.Content); i >= 0 {
			l.confirm(i, m)
			l.retryContent = ""
			return nil
		}
		l.hideEcho(m)
		return nil
	}
	i := l.index(op.LocalID)
	if i < 0 {
		// A pushed copy already confirmed the entry.
		return nil
	}
	if j := l.index(m.ID); j >= 0 {
		l.remove(i)
		return nil
	}
	l.confirm(i, m)
	return nil
}

func (op *SubmitRejected) apply(l *Ledger) error {
	text := "Message could not be sent."
	if op.Err != nil {
		text = fmt.Sprintf("Message could not be sent: %v", op.Err)
	}
	if op.LocalID == "" {
		l.retryContent = ""
	}
	l.failPlaceholder(text)
	return nil
}

func (op *PushedMessage) apply(l *Ledger) error {
	if op.Message != nil {
		l.merge(op.Message)
	}
	return nil
}

func (op *PushedSession) apply(l *Ledger) error {
	l.sessionStatus(op.Status, op.UpdatedAt, false)
	return nil
}

func (op *Polled) apply(l *Ledger) error {
	if op.State == nil {
		return nil
	}
	for _, m := range op.State.Messages {
		l.merge(m)
	}
	if s := op.State.Session; s != nil {
		l.sessionStatus(s.Status, s.UpdatedAt, true)
	}
	return nil
}

func (op *RetryStarted) apply(l *Ledger) error {
	if l.retrying {
		return ErrRetryInFlight
	}
	i := l.index(op.FailedID)
	if i < 0 || !l.entries[i].Failed {
		return ErrNotFailed
	}
	content := ""
	for j := i - 1; j >= 0; j-- {
		if l.entries[j].Role == types.RoleUser {
			content = l.entries[j].Content
			break
		}
	}
	if content == "" {
		return ErrNoUserTurn
	}
	if op.At.IsZero() {
		op.At = time.Now().UTC()
	}

	failed := l.entries[i]
	turn := failed.answers
	if !failed.clientOnly() {
		l.hidden[failed.ID] = true
		turn = failed.replyTo()
	}
	if confirmedTurn(turn) {
		l.superseded[turn] = true
	}
	l.remove(i)
	l.append(Entry{ID: LoadingPrefix + uuid.NewString(), Role: types.RoleAssistant, CreatedAt: op.At, Loading: true, anchor: l.lastServerID()})

	op.Content = content
	l.retrying = true
	l.retryContent = content
	return nil
}

// merge folds a server message into the transcript.
func (l *Ledger) merge(m *types.Message) {
	if l.hidden[m.ID] {
		return
	}
	if i := l.index(m.ID); i >= 0 {
		e := entryFromMessage(m)
		e.seq = l.entries[i].seq
		l.entries[i] = e
		return
	}

	if m.Role == types.RoleUser {
		if i := l.localMatch(m.Content); i >= 0 {
			l.confirm(i, m)
			if l.retryContent == m.Content {
				l.retryContent = ""
			}
			return
		}
		if l.retryContent != "" && m.Content == l.retryContent {
			l.hideEcho(m)
			return
		}
		l.append(entryFromMessage(m))
		return
	}

	replyTo := replyTarget(m)
	if l.superseded[replyTo] {
		l.hidden[m.ID] = true
		return
	}
	// A reply clears the placeholders of its own turn and swaps in the
	// detailed failure record for the synthetic one.
	unknown := replyTo != "" && l.index(replyTo) < 0 && !l.hidden[replyTo]
	l.removeWhere(func(e *Entry) bool { return e.Loading && l.answeredBy(e, m, replyTo, unknown) })
	if m.IsFailure() {
		if i := l.syntheticFailure(replyTo); i >= 0 {
			l.remove(i)
		}
	}
	l.append(entryFromMessage(m))
}

// answeredBy reports whether reply m, addressed to replyTo, answers the
// turn placeholder e stands for.
func (l *Ledger) answeredBy(e *Entry, m *types.Message, replyTo string, unknown bool) bool {
	if replyTo == "" {
		return l.turnStart.IsZero() || !m.CreatedAt.Before(l.turnStart)
	}
	if e.answers == replyTo {
		return true
	}
	// The reply may overtake its own user message: an unknown target can
	// only be the turn this client has not seen stored yet.
	return unknown && !confirmedTurn(e.answers)
}

// awaiting reports whether a placeholder waits for a turn the server has
// not confirmed.
func (l *Ledger) awaiting() bool {
	for i := range l.entries {
		if l.entries[i].Loading && !confirmedTurn(l.entries[i].answers) {
			return true
		}
	}
	return false
}

// sessionStatus applies a session status change. Once the turn is stored,
// updates older than it are ignored for placeholder purposes. Before that
// only server time is comparable, so a pushed update counts as current and
// a polled snapshot, which cannot hold the turn yet, does not.
func (l *Ledger) sessionStatus(status types.Status, updatedAt time.Time, polled bool) {
	if updatedAt.IsZero() || !updatedAt.Before(l.statusAt) {
		l.status = status
		l.statusAt = updatedAt
	}
	if !l.Pending() {
		return
	}
	if l.awaiting() {
		if polled {
			return
		}
	} else if !l.turnStart.IsZero() && !updatedAt.IsZero() && updatedAt.Before(l.turnStart) {
		return
	}
	switch status {
	case types.StatusFailed:
		l.failPlaceholder(FailedText)
	case types.StatusCompleted:
		l.removeWhere(func(e *Entry) bool { return e.Loading })
	}
}

// failPlaceholder turns the newest placeholder into a synthetic failure
// entry and drops any others.
func (l *Ledger) failPlaceholder(text string) {
	last := -1
	for i := range l.entries {
		if l.entries[i].Loading {
			last = i
		}
	}
	if last < 0 {
		return
	}
	p := l.entries[last]
	l.entries[last] = Entry{
		ID:        FailedPrefix + uuid.NewString(),
		Role:      types.RoleSystem,
		Content:   text,
		CreatedAt: p.CreatedAt,
		Failed:    true,
		anchor:    p.anchor,
		seq:       p.seq,
		answers:   p.answers,
	}
	l.removeWhere(func(e *Entry) bool { return e.Loading })
	l.retrying = false
}

// syntheticFailure finds the client-made failure entry a failure record
// addressed to replyTo details: the one for the same user message, else
// the newest one whose turn was never confirmed.
func (l *Ledger) syntheticFailure(replyTo string) int {
	found := -1
	for i := range l.entries {
		e := &l.entries[i]
		if !strings.HasPrefix(e.ID, FailedPrefix) {
			continue
		}
		if replyTo != "" && e.answers == replyTo {
			return i
		}
		if !confirmedTurn(e.answers) && l.index(replyTo) < 0 {
			found = i
		}
	}
	return found
}

func replyTarget(m *types.Message) string {
	replyTo, _ := m.Payload[types.PayloadReplyTo].(string)
	return replyTo
}

func (e *Entry) replyTo() string {
	replyTo, _ := e.Payload[types.PayloadReplyTo].(string)
	return replyTo
}

// hideEcho suppresses the server copy of a retried user message.
func (l *Ledger) hideEcho(m *types.Message) {
	l.hidden[m.ID] = true
	if i := l.index(m.ID); i >= 0 {
		l.remove(i)
	}
	l.retryContent = ""
	l.startTurn(m, "")
}

// startTurn records m as the stored user message of the turn that
// client-only entries waiting on local stand for.
func (l *Ledger) startTurn(m *types.Message, local string) {
	for j := range l.entries {
		e := &l.entries[j]
		if !e.clientOnly() {
			continue
		}
		if (local != "" && e.answers == local) || (e.Loading && e.answers == "") {
			e.answers = m.ID
		}
	}
	if m.CreatedAt.After(l.turnStart) {
		l.turnStart = m.CreatedAt
	}
}

// confirm replaces the local entry at i with its server copy and moves
// later client-only entries behind it.
func (l *Ledger) confirm(i int, m *types.Message) {
	local := l.entries[i]
	e := entryFromMessage(m)
	e.seq = local.seq
	l.entries[i] = e
	for j := range l.entries {
		if l.entries[j].clientOnly() && l.entries[j].seq > local.seq {
			l.entries[j].anchor = m.ID
		}
	}
	l.startTurn(m, local.ID)
}

func (l *Ledger) localMatch(content string) int {
	for i := range l.entries {
		if l.entries[i].Local && l.entries[i].Content == content {
			return i
		}
	}
	return -1
}

func (l *Ledger) index(id string) int {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) lastServerID() string {
	last := ""
	for i := range l.entries {
		if !l.entries[i].clientOnly() && l.entries[i].ID > last {
			last = l.entries[i].ID
		}
	}
	return last
}

func (l *Ledger) append(e Entry) {
	l.seq++
	e.seq = l.seq
	l.entries = append(l.entries, e)
}

func (l *Ledger) remove(i int) {
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

func (l *Ledger) removeWhere(match func(e *Entry) bool) {
	kept := l.entries[:0]
	for i := range l.entries {
		if !match(&l.entries[i]) {
			kept = append(kept, l.entries[i])
		}
	}
	l.entries = kept
}

// order sorts server entries by id, which follows creation time, and
// places each client-only entry right after the server entry it was
// anchored to.
func (l *Ledger) order() {
	var server, client []Entry
	for _, e := range l.entries {
		if e.clientOnly() {
			client = append(client, e)
		} else {
			server = append(server, e)
		}
	}
	sort.SliceStable(server, func(i, j int) bool { return server[i].ID < server[j].ID })
	sort.SliceStable(client, func(i, j int) bool { return client[i].seq < client[j].seq })

	placed := make([]bool, len(client))
	out := make([]Entry, 0, len(l.entries))
	follow := func(anchor string) {
		for i := range client {
			if !placed[i] && client[i].anchor == anchor {
				out = append(out, client[i])
				placed[i] = true
			}
		}
	}
	follow("")
	for _, e := range server {
		out = append(out, e)
		follow(e.ID)
	}
	for i := range client {
		if !placed[i] {
			out = append(out, client[i])
		}
	}
	l.entries = out
}

// opFor converts a live event into a ledger op.
func opFor(e event.Event) Op {
	switch e.Type {
	case event.MessageCreated:
		if m := e.ToMessage(); m != nil {
			return &PushedMessage{Message: m}
		}
	case event.SessionUpdated:
		if e.Session != nil {
			return &PushedSession{Status: e.Session.Status, UpdatedAt: e.Session.UpdatedAt}
		}
	}
	return nil
}
