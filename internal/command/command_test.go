package command

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/history"
	"github.com/nidhogg/vault-term/internal/metrics"
	"github.com/nidhogg/vault-term/internal/protocol"
	"github.com/nidhogg/vault-term/internal/stream"
)

func testContext(t *testing.T, endpoint string) *Context {
	t.Helper()
	logger := zap.NewNop()
	c := client.New(
		stream.NewTransport(endpoint, 5*time.Second, logger),
		history.NewStore(logger),
		client.NewHub(logger),
		nil,
		client.Options{Model: "m1"},
		logger,
	)
	return &Context{Platform: "cli", UserID: "u1", UserName: "tester", Client: c}
}

func TestIsCommand(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"/help", true},
		{"/model m2", true},
		{"hello", false},
		{"", false},
		{" /help", false},
	}
	for _, tc := range cases {
		if got := IsCommand(tc.input); got != tc.want {
			t.Errorf("IsCommand(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	res, err := reg.Dispatch(context.Background(), "/teleport home", testContext(t, ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(res.Content, "Unknown command: /teleport") {
		t.Errorf("got %q", res.Content)
	}
}

func TestHelpListsAllCommands(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	res, err := reg.Dispatch(context.Background(), "/help", testContext(t, ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, name := range []string{"/help", "/models", "/model", "/metrics", "/clear"} {
		if !strings.Contains(res.Content, name) {
			t.Errorf("help output missing %s:\n%s", name, res.Content)
		}
	}
}

func TestModelsMarksActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":["m1","m2"]}`)
	}))
	defer srv.Close()

	reg := NewRegistry()
	RegisterBuiltins(reg)

	res, err := reg.Dispatch(context.Background(), "/models", testContext(t, srv.URL))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(res.Content, "* m1") {
		t.Errorf("active model not marked:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "  m2") {
		t.Errorf("inactive model missing:\n%s", res.Content)
	}
}

func TestModelShowAndSwitch(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	cc := testContext(t, "")

	res, err := reg.Dispatch(context.Background(), "/model", cc)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(res.Content, "m1") {
		t.Errorf("got %q", res.Content)
	}

	if _, err := reg.Dispatch(context.Background(), "/model m2", cc); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := cc.Client.Model(); got != "m2" {
		t.Errorf("model not switched: %q", got)
	}
}

func TestMetricsCommand(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	cc := testContext(t, "")

	res, err := reg.Dispatch(context.Background(), "/metrics", cc)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(res.Content, "disabled") {
		t.Errorf("got %q without a tracker", res.Content)
	}

	cc.Tracker = metrics.NewTracker(zap.NewNop())
	cc.Tracker.Record("m1", &protocol.CostTotal{InputTokens: 10, OutputTokens: 5, Cost: 0.0003}, 0, "stream")

	res, err = reg.Dispatch(context.Background(), "/metrics", cc)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(res.Content, "Requests: 1") || !strings.Contains(res.Content, "15 total") {
		t.Errorf("got %q", res.Content)
	}
}

func TestClearCommand(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	cc := testContext(t, "")

	cc.Client.Store().AppendUser("hello")
	if _, err := reg.Dispatch(context.Background(), "/clear", cc); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := cc.Client.Store().Len(); got != 0 {
		t.Errorf("history not cleared: %d turns", got)
	}
}

func TestListSorted(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	cmds := reg.List()
	for i := 1; i < len(cmds); i++ {
		if cmds[i-1].Name > cmds[i].Name {
			t.Fatalf("commands not sorted: %s before %s", cmds[i-1].Name, cmds[i].Name)
		}
	}
}
