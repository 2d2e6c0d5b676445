package consult

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/rightify/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	streamFn func(call int, endpoint, query string) (io.ReadCloser, error)
	legacyFn func(text, caseType string) (io.ReadCloser, error)
}

func (f *fakeBackend) Stream(_ context.Context, endpoint, query string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.streamFn(call, endpoint, query)
}

func (f *fakeBackend) Legacy(_ context.Context, text, caseType string) (io.ReadCloser, error) {
	return f.legacyFn(text, caseType)
}

func body(lines ...string) func(int, string, string) (io.ReadCloser, error) {
	return func(int, string, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
	}
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []domain.Consultation
}

func (r *recordingRecorder) Record(_ context.Context, c domain.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, c)
	return nil
}

func (r *recordingRecorder) all() []domain.Consultation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Consultation(nil), r.records...)
}

func newTestController(b Backend, rec Recorder) *Controller {
	return NewController(b, Options{
		UserID:           "anon_test",
		SessionID:        "tab-1",
		AnimationMin:     time.Hour,
		AnimationPerChar: 0,
		Recorder:         rec,
	})
}

func waitDone(t *testing.T, ticket Ticket) {
	t.Helper()
	select {
	case <-ticket.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission to finish")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestSubmitQueryFoldsEvents(t *testing.T) {
	t.Parallel()

	var gotEndpoint, gotQuery string
	b := &fakeBackend{streamFn: func(_ int, endpoint, query string) (io.ReadCloser, error) {
		gotEndpoint, gotQuery = endpoint, query
		return body(
			`data: {"type":"start","content":"开始分析"}`,
			``,
			`data: {"type":"planning","content":"制定计划"}`,
			`data: {"type":"execution","content":"检索法条","data":{"step_number":1,"total_steps":2}}`,
			`data: {"type":"final_answer","content":"A\n\nB\n\nC"}`,
			`data: {"type":"complete","content":"完成"}`,
		)(0, endpoint, query)
	}}
	rec := &recordingRecorder{}
	c := newTestController(b, rec)
	defer c.Close()

	ticket, err := c.SubmitQuery("analyze", "房东不退押金怎么办")
	if err != nil {
		t.Fatalf("SubmitQuery failed: %v", err)
	}
	waitDone(t, ticket)

	if gotEndpoint != "/api/legal/analyze" || gotQuery != "房东不退押金怎么办" {
		t.Fatalf("unexpected backend call %q %q", gotEndpoint, gotQuery)
	}

	snap := c.Snapshot()
	if snap.Loading {
		t.Error("expected loading to be false after the stream ended")
	}
	if len(snap.Actions) != 5 {
		t.Fatalf("expected 5 actions, got %d", len(snap.Actions))
	}
	wantKinds := []domain.ActionKind{
		domain.ActionStart, domain.ActionPlanning, domain.ActionExecution,
		domain.ActionFinalAnswer, domain.ActionComplete,
	}
	for i, k := range wantKinds {
		if snap.Actions[i].Kind != k {
			t.Errorf("action %d: expected %v, got %v", i, k, snap.Actions[i].Kind)
		}
	}

	if snap.Report == nil {
		t.Fatal("expected a final report")
	}
	if len(snap.Report.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(snap.Report.Sections))
	}
	for i, want := range []string{"A", "B", "C"} {
		sec := snap.Report.Sections[i]
		if sec.Content != want || sec.Title != domain.SectionTitle(i+1) {
			t.Errorf("section %d: got %+v", i, sec)
		}
	}

	if len(snap.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(snap.Messages))
	}
	assistant := snap.Messages[1]
	if assistant.Role != domain.RoleAssistant {
		t.Fatalf("expected assistant message, got %v", assistant.Role)
	}
	for _, want := range []string{"🔍 开始分析", "📋 制定计划", "⚙️ 检索法条 (1/2)", "共3个部分"} {
		if !strings.Contains(assistant.Content, want) {
			t.Errorf("assistant message missing %q:\n%s", want, assistant.Content)
		}
	}

	if snap.Diagnostics.Events != 5 || snap.Diagnostics.Ignored != 1 {
		t.Errorf("unexpected diagnostics %+v", snap.Diagnostics)
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Status != domain.StatusCompleted || records[0].ReportJSON == nil || records[0].ActionCount != 5 {
		t.Errorf("unexpected record %+v", records[0])
	}
}

func TestSubmitQueryValidation(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeBackend{streamFn: body()}, nil)
	defer c.Close()

	if _, err := c.SubmitQuery("consult", "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := c.SubmitQuery("divorce", "q"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
	if snap := c.Snapshot(); len(snap.Messages) != 0 || snap.Loading {
		t.Errorf("rejected submissions must not change state: %+v", snap)
	}
}

func TestTransportFailureAppendsApology(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{streamFn: func(int, string, string) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}}
	rec := &recordingRecorder{}
	c := newTestController(b, rec)
	defer c.Close()

	ticket, err := c.SubmitQuery("consult", "合同违约")
	if err != nil {
		t.Fatalf("SubmitQuery failed: %v", err)
	}
	waitDone(t, ticket)

	snap := c.Snapshot()
	if snap.Loading {
		t.Error("expected loading to be false")
	}
	var apologies int
	for _, m := range snap.Messages {
		if m.Role == domain.RoleAssistant {
			if m.Content != ApologyMessage {
				t.Errorf("unexpected assistant message %q", m.Content)
			}
			apologies++
		}
	}
	if apologies != 1 {
		t.Fatalf("expected exactly one apology, got %d", apologies)
	}
	if got := rec.all(); len(got) != 1 || got[0].Status != domain.StatusFailed {
		t.Fatalf("expected one failed record, got %+v", got)
	}
}

type failingReader struct{ data *strings.Reader }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.data.Len() > 0 {
		return f.data.Read(p)
	}
	return 0, errors.New("connection reset by peer")
}

func (f *failingReader) Close() error { return nil }

func TestMidStreamFailureKeepsPartialState(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{streamFn: func(int, string, string) (io.ReadCloser, error) {
		return &failingReader{data: strings.NewReader("data: {\"type\":\"start\",\"content\":\"开始\"}\n")}, nil
	}}
	c := newTestController(b, nil)
	defer c.Close()

	ticket, _ := c.SubmitQuery("consult", "q")
	waitDone(t, ticket)

	snap := c.Snapshot()
	if len(snap.Actions) != 1 {
		t.Fatalf("expected the action received before the failure, got %d", len(snap.Actions))
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Content != ApologyMessage {
		t.Fatalf("expected apology as the last message, got %q", last.Content)
	}
	if snap.Loading {
		t.Error("expected loading to be false")
	}
}

func TestErrorEventDoesNotStopStream(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeBackend{streamFn: body(
		`data: {"type":"error","content":"检索服务超时"}`,
		`data: {"type":"execution","content":"继续分析"}`,
	)}, nil)
	defer c.Close()

	ticket, _ := c.SubmitQuery("search", "q")
	waitDone(t, ticket)

	snap := c.Snapshot()
	if len(snap.Actions) != 2 {
		t.Fatalf("expected both events to apply, got %d actions", len(snap.Actions))
	}
	content := snap.Messages[1].Content
	if !strings.Contains(content, "检索服务超时") || !strings.Contains(content, "继续分析") {
		t.Fatalf("unexpected assistant content %q", content)
	}
}

func TestDiagnosticsCountLineKinds(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeBackend{streamFn: body(
		`data: {"type":"start"}`,
		`data: not json`,
		`data: `,
		`data: [DONE]`,
		`data: {"type":"thinking","content":"?"}`,
		`: comment`,
	)}, nil)
	defer c.Close()

	ticket, _ := c.SubmitQuery("consult", "q")
	waitDone(t, ticket)

	d := c.Snapshot().Diagnostics
	if d.Events != 2 || d.Malformed != 1 || d.KeepAlive != 1 || d.Done != 1 || d.Unknown != 1 || d.Ignored != 1 {
		t.Fatalf("unexpected diagnostics %+v", d)
	}
	actions := c.Snapshot().Actions
	if actions[1].Kind != domain.ActionUnknown || actions[1].RawType != "thinking" {
		t.Fatalf("expected unknown action with raw type, got %+v", actions[1])
	}
}

func TestNewSubmissionSupersedesOld(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	b := &fakeBackend{streamFn: func(call int, endpoint, query string) (io.ReadCloser, error) {
		if call == 1 {
			return pr, nil
		}
		return body(`data: {"type":"final_answer","content":"第二次"}`)(call, endpoint, query)
	}}
	rec := &recordingRecorder{}
	c := newTestController(b, rec)
	defer c.Close()

	first, err := c.SubmitQuery("consult", "第一个问题")
	if err != nil {
		t.Fatalf("first SubmitQuery failed: %v", err)
	}
	// Wait for the first run to open its assistant message.
	waitFor(t, func() bool { return len(c.Snapshot().Messages) == 2 })

	second, err := c.SubmitQuery("consult", "第二个问题")
	if err != nil {
		t.Fatalf("second SubmitQuery failed: %v", err)
	}
	if second.Generation <= first.Generation {
		t.Fatalf("expected increasing generations, got %d then %d", first.Generation, second.Generation)
	}
	if snap := c.Snapshot(); len(snap.Actions) != 0 || snap.Report != nil {
		t.Fatalf("a new submission must clear actions and report: %+v", snap)
	}
	waitDone(t, second)

	go func() {
		_, _ = io.WriteString(pw, "data: {\"type\":\"final_answer\",\"content\":\"第一次\"}\n")
		_ = pw.Close()
	}()
	waitDone(t, first)

	snap := c.Snapshot()
	if snap.Generation != second.Generation {
		t.Fatalf("expected generation %d, got %d", second.Generation, snap.Generation)
	}
	if len(snap.Actions) != 1 || snap.Actions[0].Content != "第二次" {
		t.Fatalf("expected only the second stream's action, got %+v", snap.Actions)
	}
	if snap.Report == nil || snap.Report.Content != "第二次" {
		t.Fatalf("expected the second report, got %+v", snap.Report)
	}
	if snap.Diagnostics.Superseded != 1 {
		t.Fatalf("expected one superseded event, got %d", snap.Diagnostics.Superseded)
	}

	statuses := map[domain.ConsultationStatus]int{}
	for _, r := range rec.all() {
		statuses[r.Status]++
	}
	if statuses[domain.StatusSuperseded] != 1 || statuses[domain.StatusCompleted] != 1 {
		t.Fatalf("unexpected record statuses %v", statuses)
	}
}

func TestAnimationFlagClears(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeBackend{streamFn: body(
		`data: {"type":"start","content":"开始"}`,
		`data: {"type":"complete","content":"结束"}`,
	)}, Options{AnimationMin: 30 * time.Millisecond, AnimationPerChar: time.Millisecond})
	defer c.Close()

	ticket, _ := c.SubmitQuery("consult", "q")
	waitDone(t, ticket)

	waitFor(t, func() bool {
		for _, a := range c.Snapshot().Actions {
			if a.Animating {
				return false
			}
		}
		return true
	})
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeBackend{streamFn: body(`data: {"type":"final_answer","content":"A"}`)}, nil)
	defer c.Close()

	ticket, _ := c.SubmitQuery("consult", "q")
	waitDone(t, ticket)
	before := c.Snapshot().Generation

	c.Reset()
	snap := c.Snapshot()
	if len(snap.Messages) != 0 || len(snap.Actions) != 0 || snap.Report != nil || snap.Loading {
		t.Fatalf("expected empty state after reset, got %+v", snap)
	}
	if snap.Generation <= before {
		t.Fatalf("expected reset to advance the generation")
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	for _, want := range []string{`"messages":[]`, `"actions":[]`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("expected %s in %s", want, raw)
		}
	}
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeBackend{streamFn: body(`data: {"type":"start","content":"开始"}`)}, nil)

	ch, cancel := c.Subscribe()
	defer cancel()

	initial := <-ch
	if len(initial.Messages) != 0 {
		t.Fatalf("expected an empty initial snapshot, got %+v", initial)
	}
	if !c.Busy() {
		t.Fatal("expected a subscribed controller to be busy")
	}

	ticket, _ := c.SubmitQuery("consult", "q")
	waitDone(t, ticket)

	var last Snapshot
	waitFor(t, func() bool {
		select {
		case last = <-ch:
		default:
		}
		return !last.Loading && len(last.Actions) == 1
	})

	c.Close()
	for range ch {
	}
	if _, err := c.SubmitQuery("consult", "q"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestSubmitLegacyJoinsTokens(t *testing.T) {
	t.Parallel()

	var gotText, gotCaseType string
	b := &fakeBackend{legacyFn: func(text, caseType string) (io.ReadCloser, error) {
		gotText, gotCaseType = text, caseType
		return io.NopCloser(strings.NewReader(
			"data: 根据\n\n: keep-alive\n\ndata: 民法典\n\nevent: done\ndata: end\n\ndata: 不应出现\n\n",
		)), nil
	}}
	rec := &recordingRecorder{}
	c := newTestController(b, rec)
	defer c.Close()

	ticket, err := c.SubmitLegacy("租房押金", domain.LegacyCaseSearch)
	if err != nil {
		t.Fatalf("SubmitLegacy failed: %v", err)
	}
	waitDone(t, ticket)

	if gotText != "租房押金" || gotCaseType != "案例查询" {
		t.Fatalf("unexpected legacy call %q %q", gotText, gotCaseType)
	}
	snap := c.Snapshot()
	if snap.Service != LegacyService {
		t.Errorf("expected legacy service, got %q", snap.Service)
	}
	if got := strings.TrimSpace(snap.Messages[1].Content); got != "根据 民法典" {
		t.Fatalf("unexpected assistant content %q", got)
	}
	if records := rec.all(); len(records) != 1 || records[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestSubmitLegacyLogsLastEventID(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	b := &fakeBackend{legacyFn: func(string, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("retry: 3000\nid: 7\ndata: 根据\n\n")), nil
	}}
	c := NewController(b, Options{
		UserID:       "anon_test",
		SessionID:    "tab-1",
		AnimationMin: time.Hour,
		Logger:       slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	defer c.Close()

	ticket, err := c.SubmitLegacy("租房押金", domain.LegacyCaseSearch)
	if err != nil {
		t.Fatalf("SubmitLegacy failed: %v", err)
	}
	waitDone(t, ticket)

	waitFor(t, func() bool {
		out := buf.String()
		return strings.Contains(out, `"last_event_id":"7"`) && strings.Contains(out, `"retry_hint":3000000000`)
	})
}

// syncBuffer lets the run goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSubmitLegacyErrorEvent(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{legacyFn: func(string, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: 部分\n\nevent: error\ndata: \n\ndata: 之后\n\n")), nil
	}}
	c := newTestController(b, nil)
	defer c.Close()

	ticket, _ := c.SubmitLegacy("q", domain.LegacyConsultation)
	waitDone(t, ticket)

	content := c.Snapshot().Messages[1].Content
	if !strings.Contains(content, LegacyEngineFailure) {
		t.Fatalf("expected engine failure line, got %q", content)
	}
	if strings.Contains(content, "之后") {
		t.Fatalf("error event must stop the stream, got %q", content)
	}
}

func TestSubmitLegacyTransportFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{legacyFn: func(string, string) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	c := newTestController(b, nil)
	defer c.Close()

	ticket, _ := c.SubmitLegacy("q", domain.LegacyConsultation)
	waitDone(t, ticket)

	snap := c.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[1].Content != LegacyDisconnected {
		t.Fatalf("expected disconnect message, got %+v", snap.Messages)
	}
}
