package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bandburg/internal/bridge"
	xerrors "bandburg/internal/errors"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

type countingObserver struct {
	invokes int
	states  []string
}

func (c *countingObserver) ObserveInvoke(string, string, time.Duration) { c.invokes++ }
func (c *countingObserver) ObserveState(state string) { c.states = append(c.states, state) }

func TestObserverAlertsOnInitFailureWithCooldown(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	next := &countingObserver{}
	disp := &recordingDispatcher{}
	o := NewObserver(next, disp, WithCooldown(time.Minute), WithClock(func() time.Time { return now }))

	o.ObserveInvoke("miwear_get_data_type", "OK", time.Millisecond)
	o.ObserveState("ready")
	o.ObserveState("failed")
	o.ObserveInvoke("miwear_get_data_type", string(bridge.CodeModuleInitFailed), time.Millisecond)
	o.Wait()

	if next.invokes != 2 || len(next.states) != 2 {
		t.Fatalf("observations must be forwarded, got %d invokes %v", next.invokes, next.states)
	}
	events := disp.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one alert inside cooldown, got %d", len(events))
	}
	if events[0].Code != bridge.CodeModuleInitFailed || events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	now = now.Add(2 * time.Minute)
	o.ObserveInvoke("miwear_connect", string(bridge.CodeModuleInitFailed), time.Millisecond)
	o.Wait()
	events = disp.snapshot()
	if len(events) != 2 || events[1].Operation != "miwear_connect" {
		t.Fatalf("expected second alert after cooldown, got %+v", events)
	}
}

func TestObserverWithoutDispatcherOnlyForwards(t *testing.T) {
	next := &countingObserver{}
	o := NewObserver(next, nil)
	o.ObserveState("failed")
	o.Wait()
	if len(next.states) != 1 {
		t.Fatalf("expected forwarded state")
	}
}

func TestWebhookPayloads(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	disp := NewDispatcher(Config{SlackURL: srv.URL + "/slack", DingTalkURL: srv.URL + "/ding"})
	if disp.Len() != 2 {
		t.Fatalf("expected two channels, got %d", disp.Len())
	}
	event := Event{
		Code:       bridge.CodeModuleInitFailed,
		Severity:   xerrors.SeverityCritical,
		Message:    "boom",
		Operation:  "miwear_connect",
		Metadata:   map[string]string{"b": "2", "a": "1"},
		OccurredAt: time.Unix(0, 0).UTC(),
	}
	if err := disp.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	slack, _ := bodies["/slack"]["text"].(string)
	if !strings.Contains(slack, "MODULE_INIT_FAILED") || !strings.Contains(slack, "boom") {
		t.Fatalf("unexpected slack text: %q", slack)
	}
	if bodies["/ding"]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk body: %v", bodies["/ding"])
	}
	text, _ := bodies["/ding"]["text"].(map[string]any)
	content, _ := text["content"].(string)
	if !strings.Contains(content, "- a: 1\n- b: 2") {
		t.Fatalf("metadata must be sorted, got %q", content)
	}

	broken := &SlackNotifier{Sender: NewSlackSender(srv.URL+"/broken", nil)}
	if err := NewFanout(broken).Notify(context.Background(), event); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := &SlackNotifier{Sender: senderFunc(func(context.Context, string) error { return errors.New("down") })}
	if err := NewFanout(failing, nil).Notify(context.Background(), Event{}); err == nil || !strings.Contains(err.Error(), "slack") {
		t.Fatalf("expected channel error, got %v", err)
	}
	var nilFanout *FanoutDispatcher
	if err := nilFanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher must be a no-op")
	}
}

type senderFunc func(ctx context.Context, content string) error

func (f senderFunc) Send(ctx context.Context, content string) error { return f(ctx, content) }
