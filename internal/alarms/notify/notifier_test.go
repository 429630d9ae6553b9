package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alarmapp "iiot-gateway/internal/alarms/application"
	alarms "iiot-gateway/internal/alarms/domain"
)

type stubRules map[string]alarms.AlarmRule

func (s stubRules) Rule(id string) (alarms.AlarmRule, bool) {
	rule, ok := s[id]
	return rule, ok
}

type stubAlarmRepo struct {
	mu    sync.Mutex
	alarm *alarms.Alarm
}

func (s *stubAlarmRepo) GetByID(_ context.Context, _ string) (*alarms.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarm == nil {
		return nil, nil
	}
	copied := *s.alarm
	return &copied, nil
}

func (s *stubAlarmRepo) setState(state string) {
	s.mu.Lock()
	s.alarm.State = state
	s.mu.Unlock()
}

func testAlarm(id, severity string, at time.Time) *alarms.Alarm {
	return &alarms.Alarm{
		ID:                 id,
		RuleID:             "rule-1",
		Name:               "rule-1",
		TagID:              "boiler.temp",
		Severity:           severity,
		TimestampTriggered: at,
		State:              alarms.StateActive,
		ValueAtTrigger:     123.45,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	type received struct {
		payload webhookPayload
		token   string
	}
	payloadCh := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- received{payload: payload, token: r.Header.Get("X-Gateway-Token")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithWebhookTimeout(time.Second), WithWebhookHeader("X-Gateway-Token", "edge-7"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	rules := stubRules{"rule-1": {ID: "rule-1", Name: "Boiler Temperature High", Condition: "value > 100", Severity: alarms.SeverityHigh}}
	alarm := testAlarm("alarm-1", alarms.SeverityHigh, time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC))

	notifier, err := NewNotifier(&stubAlarmRepo{alarm: alarm}, channel, nil, WithRuleReader(rules))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})

	select {
	case got := <-payloadCh:
		if got.token != "edge-7" {
			t.Fatalf("expected custom header, got %q", got.token)
		}
		if got.payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", got.payload.MsgType)
		}
		if got.payload.Alarm.ID != "alarm-1" || got.payload.Alarm.Event != alarmapp.EventActive || got.payload.Alarm.Severity != alarms.SeverityHigh {
			t.Fatalf("unexpected alarm block %+v", got.payload.Alarm)
		}
		content := got.payload.Text.Content
		checks := []string{
			"[Alarm Triggered] HIGH on boiler.temp",
			"Rule: Boiler Temperature High (value > 100)",
			"Value: 123.45",
			"Triggered At: 2026-01-26T08:00:00Z",
			"State: active",
			"Action:",
			"Alarm ID: alarm-1",
		}
		for _, expected := range checks {
			if !strings.Contains(content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream gone"))
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	err = channel.Send(context.Background(), Message{Content: "hello"})
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream gone") {
		t.Fatalf("expected 502 error with body, got %v", err)
	}
	if _, err := NewWebhookChannel("  "); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestTemplateCustomText(t *testing.T) {
	tpl, err := NewTemplate(`{{lower .Severity}}/{{.TagID}}{{if .Description}}: {{.Description}}{{end}}`)
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	out, err := tpl.Render(TemplateData{Severity: "CRITICAL", TagID: "pump.speed", Description: "overspeed"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "critical/pump.speed: overspeed" {
		t.Fatalf("unexpected render %q", out)
	}
	if _, err := NewTemplate("{{.Broken"); err == nil {
		t.Fatal("expected parse error")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.contents = append(r.contents, msg.Content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	alarm := testAlarm("alarm-1", alarms.SeverityHigh, clock.Now())

	notifier, err := NewNotifier(&stubAlarmRepo{alarm: alarm}, channel, nil,
		WithClock(clock),
		WithCooldown(10*time.Minute),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	alarm := testAlarm("alarm-2", alarms.SeverityMedium, clock.Now())

	notifier, err := NewNotifier(&stubAlarmRepo{alarm: alarm}, channel, nil,
		WithClock(clock),
		WithDedupeWindow(30*time.Minute),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	clock.Add(5 * time.Minute)
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	alarm.ValueAtTrigger = 150
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}
}

func TestNotifierEscalation(t *testing.T) {
	channel := &recordingChannel{}
	alarm := testAlarm("alarm-3", alarms.SeverityCritical, time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC))

	notifier, err := NewNotifier(&stubAlarmRepo{alarm: alarm}, channel, nil,
		WithEscalation(20*time.Millisecond),
		WithRequestTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})

	deadline := time.After(time.Second)
	for channel.Count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected escalation notification, got %d", channel.Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierAcknowledgeCancelsEscalation(t *testing.T) {
	channel := &recordingChannel{}
	repo := &stubAlarmRepo{alarm: testAlarm("alarm-4", alarms.SeverityHigh, time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC))}

	notifier, err := NewNotifier(repo, channel, nil, WithEscalation(30*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	alarm := *repo.alarm
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: alarm})
	repo.setState(alarms.StateAcknowledged)
	operator := "op-7"
	alarm.State = alarms.StateAcknowledged
	alarm.AcknowledgedBy = &operator
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventAcknowledged, Alarm: alarm})

	time.Sleep(100 * time.Millisecond)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected triggered and acknowledged notifications only, got %d", got)
	}
	if !strings.Contains(channel.Latest(), "By: op-7") {
		t.Fatalf("expected actor in acknowledged notification, got %s", channel.Latest())
	}
}

func TestMultiNotifierFansOut(t *testing.T) {
	first := &recordingChannel{}
	second := &recordingChannel{}
	alarm := testAlarm("alarm-5", alarms.SeverityLow, time.Now().UTC())
	n1, _ := NewNotifier(&stubAlarmRepo{alarm: alarm}, first, nil)
	n2, _ := NewNotifier(&stubAlarmRepo{alarm: alarm}, second, nil)

	multi := NewMultiNotifier(n1, nil, n2)
	multi.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventCleared, Alarm: *alarm})
	if first.Count() != 1 || second.Count() != 1 {
		t.Fatalf("expected both notifiers to fire, got %d and %d", first.Count(), second.Count())
	}
}

func TestNotifierClearResetsThrottle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 13, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	alarm := testAlarm("alarm-6", alarms.SeverityMedium, clock.Now())

	notifier, err := NewNotifier(&stubAlarmRepo{alarm: alarm}, channel, nil,
		WithClock(clock),
		WithCooldown(time.Hour),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventCleared, Alarm: *alarm})
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActive, Alarm: *alarm})
	if got := channel.Count(); got != 3 {
		t.Fatalf("expected cooldown history dropped after clear, got %d notifications", got)
	}
}
