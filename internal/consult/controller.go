// Package consult owns the consultation state for each browser tab and
// exposes it over HTTP, SSE and websocket.
package consult

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/stream"
	"github.com/google/uuid"
)

var (
	// ErrEmptyQuery is returned when the submitted text is blank.
	ErrEmptyQuery = errors.New("query is required")
	// ErrUnknownService is returned for a service id outside the catalog.
	ErrUnknownService = errors.New("unknown service")
	// ErrClosed is returned by commands on a closed controller.
	ErrClosed = errors.New("controller closed")
)

const recordTimeout = 5 * time.Second

// LegacyService is the service id reported for legacy submissions.
const LegacyService = "legacy"

// Backend opens the event streams a controller consumes.
type Backend interface {
	Stream(ctx context.Context, endpoint, query string) (io.ReadCloser, error)
	Legacy(ctx context.Context, text, caseType string) (io.ReadCloser, error)
}

// Recorder receives a record of every finished submission.
type Recorder interface {
	Record(ctx context.Context, c domain.Consultation) error
}

// Diagnostics counts how the current submission's stream was handled.
type Diagnostics struct {
	stream.Stats
	Superseded int `json:"superseded"`
}

// Snapshot is an immutable copy of a controller's state.
type Snapshot struct {
	Generation  uint64               `json:"generation"`
	Service     string               `json:"service,omitempty"`
	Loading     bool                 `json:"loading"`
	Messages    []domain.ChatMessage `json:"messages"`
	Actions     []domain.AgentAction `json:"actions"`
	Report      *domain.FinalReport  `json:"report"`
	Diagnostics Diagnostics          `json:"diagnostics"`
}

// Options configures a Controller.
type Options struct {
	UserID           string
	SessionID        string
	AnimationMin     time.Duration
	AnimationPerChar time.Duration
	Recorder         Recorder
	Logger           *slog.Logger
}

// Ticket identifies one submission.
type Ticket struct {
	Generation uint64
	done       <-chan struct{}
}

// Done is closed when the submission's read loop has exited.
func (t Ticket) Done() <-chan struct{} {
	return t.done
}

// run is the bookkeeping of one submission.
type run struct {
	gen         uint64
	service     string
	query       string
	startedAt   time.Time
	transcript  strings.Builder
	actionCount int
	report      *domain.FinalReport
	failed      bool
}

// Controller is the single owner of one tab's consultation state. All
// mutation happens under mu and is guarded by the submission generation, so
// a superseded stream can never write into newer state.
type Controller struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	gen          uint64
	cancel       context.CancelFunc
	nextMsgID    int64
	nextActionID int64
	messages     []domain.ChatMessage
	assistantIdx int
	actions      []domain.AgentAction
	report       *domain.FinalReport
	loading      bool
	service      string
	diag         Diagnostics
	timers       map[int64]*time.Timer
	subs         map[int]chan Snapshot
	nextSubID    int
}

// NewController creates a controller reading from backend.
func NewController(backend Backend, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		backend:      backend,
		opts:         opts,
		logger:       logger.With("user_id", opts.UserID, "session_id", opts.SessionID),
		baseCtx:      ctx,
		baseCancel:   cancel,
		assistantIdx: -1,
		timers:       make(map[int64]*time.Timer),
		subs:         make(map[int]chan Snapshot),
	}
}

// SubmitQuery starts a consultation against the given service. Any earlier
// submission is cancelled and its actions and report are cleared before this
// call returns.
func (c *Controller) SubmitQuery(serviceID, query string) (Ticket, error) {
	if strings.TrimSpace(query) == "" {
		return Ticket{}, ErrEmptyQuery
	}
	svc, ok := domain.LookupService(serviceID)
	if !ok {
		return Ticket{}, ErrUnknownService
	}

	ctx, r, err := c.begin(svc.ID, query)
	if err != nil {
		return Ticket{}, err
	}
	done := make(chan struct{})
	go c.runQuery(ctx, r, svc.Endpoint, done)
	return Ticket{Generation: r.gen, done: done}, nil
}

// SubmitLegacy starts a consultation over the legacy EventSource interface.
func (c *Controller) SubmitLegacy(text string, mode domain.LegacyMode) (Ticket, error) {
	if strings.TrimSpace(text) == "" {
		return Ticket{}, ErrEmptyQuery
	}

	ctx, r, err := c.begin(LegacyService, text)
	if err != nil {
		return Ticket{}, err
	}
	done := make(chan struct{})
	go c.runLegacy(ctx, r, mode.CaseType(), done)
	return Ticket{Generation: r.gen, done: done}, nil
}

// Reset discards all state and supersedes any in-flight submission.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.supersedeLocked()
	c.messages = nil
	c.assistantIdx = -1
	c.actions = nil
	c.report = nil
	c.loading = false
	c.service = ""
	c.diag = Diagnostics{}
	c.publishLocked()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every later one. Delivery is latest-wins: a slow reader only misses
// intermediate snapshots. The channel is closed by the returned cancel func
// or when the controller closes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Busy reports whether a submission is streaming or anyone is subscribed.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading || len(c.subs) > 0
}

// Close cancels any in-flight submission, stops timers and closes subscribers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.supersedeLocked()
	c.closed = true
	c.loading = false
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.baseCancel()
}

func (c *Controller) begin(service, query string) (context.Context, *run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}

	c.supersedeLocked()
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel

	r := &run{gen: c.gen, service: service, query: query, startedAt: time.Now()}
	c.actions = nil
	c.report = nil
	c.diag = Diagnostics{}
	c.assistantIdx = -1
	c.loading = true
	c.service = service
	c.appendMessageLocked(domain.RoleUser, query)
	c.publishLocked()

	c.logger.Info("Consultation submitted", "generation", r.gen, "service", service, "query_length", utf8.RuneCountInString(query))
	return ctx, r, nil
}

// supersedeLocked invalidates the current generation and everything tied to it.
func (c *Controller) supersedeLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) runQuery(ctx context.Context, r *run, endpoint string, done chan struct{}) {
	defer close(done)

	body, err := c.backend.Stream(ctx, endpoint, r.query)
	if err != nil {
		c.fail(r, err, ApologyMessage)
		c.finish(r)
		return
	}
	defer body.Close()

	if !c.openAssistant(r) {
		c.finish(r)
		return
	}

	dec := stream.NewDecoder(body, c.logger)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			c.syncStats(r, dec.Stats())
			break
		}
		if err != nil {
			c.syncStats(r, dec.Stats())
			c.fail(r, err, ApologyMessage)
			break
		}
		if !c.apply(r, ev, dec.Stats()) {
			break
		}
	}
	c.finish(r)
}

func (c *Controller) runLegacy(ctx context.Context, r *run, caseType string, done chan struct{}) {
	defer close(done)

	body, err := c.backend.Legacy(ctx, r.query, caseType)
	if err != nil {
		c.fail(r, err, LegacyDisconnected)
		c.finish(r)
		return
	}
	defer body.Close()

	if !c.openAssistant(r) {
		c.finish(r)
		return
	}

	er := stream.NewEventReader(body)
	var (
		lastID    string
		retryHint time.Duration
	)
	for {
		msg, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.fail(r, err, LegacyDisconnected)
			break
		}
		lastID, retryHint = msg.ID, msg.Retry
		if !c.applyLegacy(r, msg) {
			break
		}
	}
	// Legacy streams are never reopened, so the server's retry hint is only logged.
	c.logger.Debug("Legacy stream ended",
		"generation", r.gen,
		"last_event_id", lastID,
		"retry_hint", retryHint,
	)
	c.finish(r)
}

// openAssistant creates the in-progress assistant message once the response
// has been accepted. It returns false when the run was superseded.
func (c *Controller) openAssistant(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.gen != c.gen {
		return false
	}
	c.assistantIdx = c.appendMessageLocked(domain.RoleAssistant, "")
	c.publishLocked()
	return true
}

// apply folds one event into state. It returns false when the run was superseded.
func (c *Controller) apply(r *run, ev stream.Event, stats stream.Stats) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.gen != c.gen {
		c.diag.Superseded++
		c.publishLocked()
		return false
	}

	c.diag.Stats = stats
	c.nextActionID++
	action := domain.AgentAction{
		ID:        c.nextActionID,
		Kind:      ev.Kind,
		RawType:   ev.Type,
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
		Animating: true,
	}
	c.actions = append(c.actions, action)
	r.actionCount++
	c.scheduleAnimationLocked(r.gen, action.ID, ev.Content)

	switch ev.Kind {
	case domain.ActionFinalAnswer:
		c.report = domain.NewFinalReport(reportTitle(ev.Data), ev.Content)
		r.report = c.report
		c.appendLineLocked(r, reportSummary(c.report))
	case domain.ActionComplete:
	case domain.ActionError:
		c.appendLineLocked(r, errorLine(ev.Content))
	case domain.ActionStart, domain.ActionPlanning, domain.ActionExecution:
		c.appendLineLocked(r, statusLine(ev))
	case domain.ActionUnknown:
		c.logger.Debug("Unrecognised event type", "type", ev.Type, "generation", r.gen)
	}

	c.publishLocked()
	return true
}

// applyLegacy folds one EventSource message. It returns false when the
// stream should stop.
func (c *Controller) applyLegacy(r *run, msg stream.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.gen != c.gen {
		c.diag.Superseded++
		c.publishLocked()
		return false
	}

	c.diag.Events++
	switch msg.Event {
	case "error":
		c.appendLineLocked(r, errorLine(orDefault(msg.Data, LegacyEngineFailure)))
		r.failed = true
		c.publishLocked()
		return false
	case "done":
		return false
	case stream.DefaultEventName:
		c.appendTextLocked(r, " "+msg.Data)
	default:
		c.diag.Unknown++
	}
	c.publishLocked()
	return true
}

// fail appends the fixed failure text as its own assistant message.
func (c *Controller) fail(r *run, err error, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.failed = true
	if r.gen != c.gen {
		return
	}
	c.logger.Warn("Consultation stream failed", "generation", r.gen, "service", r.service, "error", err)
	c.appendMessageLocked(domain.RoleAssistant, text)
	r.transcript.WriteString(text)
	c.publishLocked()
}

// finish clears loading for the current run and records the outcome.
func (c *Controller) finish(r *run) {
	c.mu.Lock()
	status := domain.StatusCompleted
	switch {
	case r.gen != c.gen:
		status = domain.StatusSuperseded
	case r.failed:
		status = domain.StatusFailed
	}
	if r.gen == c.gen && !c.closed {
		c.loading = false
		c.publishLocked()
	}
	rec := domain.Consultation{
		ID:          uuid.NewString(),
		UserID:      c.opts.UserID,
		SessionID:   c.opts.SessionID,
		Service:     r.service,
		Query:       r.query,
		Status:      status,
		Transcript:  r.transcript.String(),
		ActionCount: r.actionCount,
		StartedAt:   r.startedAt,
		FinishedAt:  time.Now(),
	}
	if r.report != nil {
		if b, err := json.Marshal(r.report); err == nil {
			s := string(b)
			rec.ReportJSON = &s
		}
	}
	c.mu.Unlock()

	c.logger.Info("Consultation finished",
		"generation", r.gen,
		"service", r.service,
		"status", status,
		"actions", r.actionCount,
		"duration", rec.Duration(),
	)

	if c.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.opts.Recorder.Record(ctx, rec); err != nil {
		c.logger.Warn("Failed to record consultation", "generation", r.gen, "error", err)
	}
}

func (c *Controller) syncStats(r *run, stats stream.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.gen != c.gen {
		return
	}
	c.diag.Stats = stats
	c.publishLocked()
}

func (c *Controller) scheduleAnimationLocked(gen uint64, actionID int64, content string) {
	d := c.opts.AnimationPerChar * time.Duration(utf8.RuneCountInString(content))
	if d < c.opts.AnimationMin {
		d = c.opts.AnimationMin
	}
	c.timers[actionID] = time.AfterFunc(d, func() {
		c.finishAnimation(gen, actionID)
	})
}

func (c *Controller) finishAnimation(gen uint64, actionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	delete(c.timers, actionID)
	for i := len(c.actions) - 1; i >= 0; i-- {
		if c.actions[i].ID == actionID {
			c.actions[i].Animating = false
			c.publishLocked()
			return
		}
	}
}

func (c *Controller) appendMessageLocked(role domain.Role, content string) int {
	c.nextMsgID++
	c.messages = append(c.messages, domain.ChatMessage{
		ID:        c.nextMsgID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return len(c.messages) - 1
}

// appendLineLocked adds a line to the in-progress assistant message.
func (c *Controller) appendLineLocked(r *run, line string) {
	if c.assistantIdx < 0 {
		return
	}
	msg := &c.messages[c.assistantIdx]
	if msg.Content != "" {
		msg.Content += "\n"
	}
	msg.Content += line
	if r.transcript.Len() > 0 {
		r.transcript.WriteByte('\n')
	}
	r.transcript.WriteString(line)
}

// appendTextLocked adds raw text to the in-progress assistant message.
func (c *Controller) appendTextLocked(r *run, text string) {
	if c.assistantIdx < 0 {
		return
	}
	c.messages[c.assistantIdx].Content += text
	r.transcript.WriteString(text)
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Generation:  c.gen,
		Service:     c.service,
		Loading:     c.loading,
		Messages:    append(make([]domain.ChatMessage, 0, len(c.messages)), c.messages...),
		Actions:     append(make([]domain.AgentAction, 0, len(c.actions)), c.actions...),
		Report:      c.report.Clone(),
		Diagnostics: c.diag,
	}
}

func (c *Controller) publishLocked() {
	if c.closed || len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
