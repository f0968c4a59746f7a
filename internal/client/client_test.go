package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/history"
	"github.com/nidhogg/vault-term/internal/metrics"
	"github.com/nidhogg/vault-term/internal/protocol"
	"github.com/nidhogg/vault-term/internal/session"
	"github.com/nidhogg/vault-term/internal/stream"
)

func newTestClient(t *testing.T, endpoint string, opts Options) *Client {
	t.Helper()
	logger := zap.NewNop()
	if opts.Model == "" {
		opts.Model = "m1"
	}
	return New(
		stream.NewTransport(endpoint, 5*time.Second, logger),
		history.NewStore(logger),
		NewHub(logger),
		nil,
		opts,
		logger,
	)
}

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitHappyPath(t *testing.T) {
	srv := streamServer(t,
		`data: {"type":"thinking","step":"Routing","detail":"2 intents"}`,
		``,
		`: keepalive`,
		`data: {"type":"answer","result":{"intent":"qa","model":"m1","text":"A","tools_used":[]}}`,
		`data: {"type":"answer","result":{"intent":"code","model":"m1","text":"B","tools_used":[]}}`,
		`data: {"type":"done","moderation":{"verdict":"allow"},"total":{"input_tokens":10,"output_tokens":5,"cost":0.0003}}`,
		`data: [DONE]`,
	)
	c := newTestClient(t, srv.URL, Options{})

	updates, cancel := c.Hub().Subscribe()
	defer cancel()

	view, err := c.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if view.Streaming || view.Failed {
		t.Fatalf("got view %+v", view)
	}
	if view.Content != "A\n\nB" {
		t.Errorf("got content %q, want %q", view.Content, "A\n\nB")
	}
	if len(view.Thinking) != 1 || view.Thinking[0].Step != "Routing" {
		t.Errorf("got thinking %+v", view.Thinking)
	}
	if view.Total == nil || view.Total.Cost != 0.0003 {
		t.Errorf("got total %+v", view.Total)
	}

	turns := c.Store().Turns()
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Errorf("turn 0: %+v", turns[0])
	}
	if turns[1].Content != "A\n\nB" || turns[1].Streaming {
		t.Errorf("turn 1: %+v", turns[1])
	}

	var last Update
	var seen []int
	for len(updates) > 0 {
		last = <-updates
		seen = append(seen, last.UpdateID)
	}
	if !last.Terminal {
		t.Errorf("last update not terminal: %+v", last)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("update ids not increasing: %v", seen)
		}
	}
}

func TestSubmitIgnoresCorruptFrames(t *testing.T) {
	srv := streamServer(t,
		`data: {"type":"thinking", truncated`,
		`data: {"type":"hologram","payload":1}`,
		`data: {"type":"answer","result":{"intent":"qa","model":"m1","text":"ok","tools_used":[]}}`,
		`data: {"type":"done","moderation":{"verdict":"allow"}}`,
	)
	c := newTestClient(t, srv.URL, Options{})

	view, err := c.Submit(context.Background(), "q")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if view.Failed || view.Content != "ok" {
		t.Errorf("got view %+v", view)
	}
}

func TestSubmitTransportRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{})

	view, err := c.Submit(context.Background(), "q")
	if err != nil {
		t.Fatalf("submit returned error for failed turn: %v", err)
	}
	if !view.Failed {
		t.Fatalf("got view %+v, want failed", view)
	}
	if view.Content != session.FailureMessage {
		t.Errorf("got content %q", view.Content)
	}

	turns := c.Store().Turns()
	if len(turns) != 2 || !turns[1].Failed {
		t.Errorf("history: %+v", turns)
	}
}

func TestSubmitErrorEvent(t *testing.T) {
	srv := streamServer(t,
		`data: {"type":"thinking","step":"Routing"}`,
		`data: {"type":"error","message":"boom"}`,
	)
	c := newTestClient(t, srv.URL, Options{})

	view, err := c.Submit(context.Background(), "q")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !view.Failed || view.Content != session.FailureMessage {
		t.Errorf("got view %+v", view)
	}
	if len(view.Thinking) != 1 {
		t.Errorf("thinking log lost: %+v", view.Thinking)
	}
}

func TestSubmitStreamEndsEarly(t *testing.T) {
	srv := streamServer(t,
		`data: {"type":"answer","result":{"intent":"qa","model":"m1","text":"partial","tools_used":[]}}`,
	)
	c := newTestClient(t, srv.URL, Options{})

	view, err := c.Submit(context.Background(), "q")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !view.Failed {
		t.Fatalf("got view %+v, want failed", view)
	}
	if len(view.Results) != 1 {
		t.Errorf("partial results lost: %+v", view.Results)
	}
}

func TestSubmitRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first := false
		once.Do(func() {
			first = true
			close(started)
		})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"thinking\",\"step\":\"Routing\"}\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if first {
			<-release
		}
		fmt.Fprint(w, "data: {\"type\":\"done\",\"moderation\":{\"verdict\":\"allow\"}}\n")
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Submit(context.Background(), "first"); err != nil {
			t.Errorf("first submit: %v", err)
		}
	}()

	<-started
	_, err := c.Submit(context.Background(), "second")
	if !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("got %v, want ErrTurnInFlight", err)
	}

	close(release)
	wg.Wait()

	if _, err := c.Submit(context.Background(), "third"); err != nil {
		t.Errorf("submit after completion: %v", err)
	}
}

func TestSubmitCancelledMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"thinking\",\"step\":\"Routing\"}\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{})

	updates, unsubscribe := c.Hub().Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		view session.TurnView
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := c.Submit(ctx, "q")
		done <- result{view, err}
	}()

	// Cancel once the thinking update has been folded in.
	for u := range updates {
		if len(u.View.Thinking) == 1 {
			cancel()
			break
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("submit returned error for cancelled turn: %v", res.err)
	}
	if !res.view.Failed || res.view.Streaming {
		t.Fatalf("got view %+v, want failed", res.view)
	}
	if res.view.Content != session.FailureMessage {
		t.Errorf("got content %q", res.view.Content)
	}
	if len(res.view.Thinking) != 1 || res.view.Thinking[0].Step != "Routing" {
		t.Errorf("thinking log lost on cancel: %+v", res.view.Thinking)
	}
}

func TestSetModelDuringTurns(t *testing.T) {
	srv := streamServer(t,
		`data: {"type":"answer","result":{"intent":"qa","model":"m1","text":"ok","tools_used":[]}}`,
		`data: {"type":"done","moderation":{"verdict":"allow"},"total":{"input_tokens":1,"output_tokens":1,"cost":0.0001}}`,
	)
	logger := zap.NewNop()
	tracker := metrics.NewTracker(logger)
	c := New(
		stream.NewTransport(srv.URL, 5*time.Second, logger),
		history.NewStore(logger),
		NewHub(logger),
		tracker,
		Options{Model: "m1"},
		logger,
	)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			c.SetModel(fmt.Sprintf("m%d", i%4))
			_ = c.Model()
		}
	}()

	for i := 0; i < 20; i++ {
		if _, err := c.Submit(context.Background(), "q"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if got := tracker.Summary().TotalRequests; got != 20 {
		t.Errorf("got %d recorded requests, want 20", got)
	}
}

func TestSubmitBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(protocol.ChatResponse{
			Results: []protocol.AgentResult{
				{Intent: "qa", Model: "m1", Text: "A"},
				{Intent: "code", Model: "m1", Text: "B"},
			},
			Moderation: protocol.Moderation{Verdict: "warn", Reason: "mild"},
			Total:      &protocol.CostTotal{InputTokens: 8, OutputTokens: 4, Cost: 0.0002},
		})
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{})

	view, err := c.SubmitBuffered(context.Background(), "q")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if view.Content != "A\n\nB" || view.Streaming || view.Failed {
		t.Errorf("got view %+v", view)
	}
	if view.Moderation == nil || view.Moderation.Verdict != "warn" {
		t.Errorf("got moderation %+v", view.Moderation)
	}
}

func TestRequestCarriesFinishedHistory(t *testing.T) {
	var mu sync.Mutex
	var requests []protocol.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"answer\",\"result\":{\"intent\":\"qa\",\"model\":\"m1\",\"text\":\"ok\",\"tools_used\":[]}}\n")
		fmt.Fprint(w, "data: {\"type\":\"done\",\"moderation\":{\"verdict\":\"allow\"}}\n")
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{
		UseReflection: true,
		UserContext:   &protocol.UserContext{City: "Kyoto", Timezone: "Asia/Tokyo"},
	})

	if _, err := c.Submit(context.Background(), "one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.Submit(context.Background(), "two"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("got %d requests", len(requests))
	}

	first := requests[0]
	if len(first.Messages) != 1 || first.Messages[0].Content != "one" {
		t.Errorf("first request messages: %+v", first.Messages)
	}
	if first.Model != "m1" || !first.UseReflection {
		t.Errorf("first request: %+v", first)
	}
	if first.UserContext == nil || first.UserContext.City != "Kyoto" || first.UserContext.LocalTime == "" {
		t.Errorf("first request context: %+v", first.UserContext)
	}

	second := requests[1]
	want := []string{"one", "ok", "two"}
	if len(second.Messages) != len(want) {
		t.Fatalf("second request messages: %+v", second.Messages)
	}
	for i, w := range want {
		if second.Messages[i].Content != w {
			t.Errorf("message %d: got %q, want %q", i, second.Messages[i].Content, w)
		}
	}
}

func TestHistoryLimitTrimsOldest(t *testing.T) {
	var mu sync.Mutex
	var last protocol.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		last = req
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"answer\",\"result\":{\"intent\":\"qa\",\"model\":\"m1\",\"text\":\"ok\",\"tools_used\":[]}}\n")
		fmt.Fprint(w, "data: {\"type\":\"done\",\"moderation\":{\"verdict\":\"allow\"}}\n")
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, Options{HistoryLimit: 2})

	for _, q := range []string{"one", "two", "three"} {
		if _, err := c.Submit(context.Background(), q); err != nil {
			t.Fatalf("submit %q: %v", q, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// Two prior messages plus the new user message.
	if len(last.Messages) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(last.Messages), last.Messages)
	}
	if last.Messages[len(last.Messages)-1].Content != "three" {
		t.Errorf("new message not last: %+v", last.Messages)
	}
}
