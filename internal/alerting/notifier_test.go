package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testMessage() Message {
	ts := time.Date(2025, 3, 4, 0, 30, 0, 0, time.UTC)
	return Message{Event: domain.PriceEvent{
		Symbol:         "005930",
		Name:           "삼성전자",
		EventType:      domain.EventThresholdUp,
		TriggerPrice:   decimal.NewFromInt(80200),
		ReferencePrice: decimal.NewFromInt(80000),
		ChangeRate:     decimal.RequireFromString("0.8805"),
		Timestamp:      ts,
		DedupKey:       domain.DedupKey("005930", domain.EventThresholdUp, ts, time.Minute),
	}, Attempt: 1}
}

func TestRenderThresholdUp(t *testing.T) {
	r := Render(testMessage())
	if r.Title != "[MarketPulse] 005930 THRESHOLD_UP" {
		t.Fatalf("unexpected title %q", r.Title)
	}
	if r.Body != "삼성전자 005930 rose to 80,200원, crossing 80,000원" {
		t.Fatalf("unexpected body %q", r.Body)
	}
	text := r.Text()
	for _, want := range []string{"change: +0.88%", "time: 2025-03-04 09:30:00 KST", "```"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息应包含 %q:\n%s", want, text)
		}
	}
}

func TestPriceFormatting(t *testing.T) {
	if got := Price(decimal.NewFromInt(1234567)); got != "1,234,567원" {
		t.Fatalf("got %s", got)
	}
	if got := Price(decimal.RequireFromString("1234.5")); got != "1,234.5원" {
		t.Fatalf("got %s", got)
	}
	if got := Rate(decimal.RequireFromString("-5.9406")); got != "-5.94%" {
		t.Fatalf("got %s", got)
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	var chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		chatID = r.PostForm.Get("chat_id")
		text = r.PostForm.Get("text")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 42, "type": "private"}},
		})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "42", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if chatID != "42" {
		t.Fatalf("chat_id 不正确: %q", chatID)
	}
	if !strings.Contains(text, "THRESHOLD_UP") {
		t.Fatalf("text 应包含事件类型: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "@marketpulse", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierAbortsOnContextTimeout(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "42", srv.URL, 10*time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := notifier.Notify(ctx, testMessage()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("超时应返回 DeadlineExceeded, 实际 %v", err)
	}

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("超时后请求应被取消, 不应在后台继续发送")
	}
}

func TestSlackNotifier(t *testing.T) {
	var payload map[string]any
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, "#alerts", "marketpulse", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("slack notify failed: %v", err)
	}
	if payload["channel"] != "#alerts" {
		t.Fatalf("channel not forwarded: %#v", payload)
	}
	if txt, _ := payload["text"].(string); !strings.Contains(txt, "005930") {
		t.Fatalf("text should mention the symbol: %q", txt)
	}

	status = http.StatusInternalServerError
	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("HTTP 500 应报错")
	}
}

type stubNotifier struct {
	name string
	err  error
	hits int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(context.Context, Message) error {
	s.hits++
	return s.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &stubNotifier{name: "slack"}
	b := &stubNotifier{name: "telegram", err: boom}
	f := Fanout{a, b}

	if f.Name() != "slack,telegram" {
		t.Fatalf("unexpected name %s", f.Name())
	}
	err := f.Notify(context.Background(), testMessage())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if a.hits != 1 || b.hits != 1 {
		t.Fatal("every channel should be attempted")
	}
	if err := (Fanout{}).Notify(context.Background(), testMessage()); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("empty fanout: %v", err)
	}
}
