package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"thk/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// --- Telegram ---

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	failN   int // fail the first failN sends with a 429
	hardErr error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hardErr != nil {
		return tgbotapi.Message{}, f.hardErr
	}
	if f.failN > 0 {
		f.failN--
		return tgbotapi.Message{}, errors.New("Too Many Requests: retry after 1")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramSink_SendsToEveryChat(t *testing.T) {
	bot := &fakeBot{}
	s, err := newTelegramSink(bot, []string{"111", " 222 "}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAudit(context.Background(), sampleRecord(domain.OutcomeBlocked)); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sent))
	}
	if bot.sent[0].ChatID != 111 || bot.sent[1].ChatID != 222 {
		t.Fatalf("wrong chats: %d %d", bot.sent[0].ChatID, bot.sent[1].ChatID)
	}
	if !strings.Contains(bot.sent[0].Text, "BLOCKED") || !strings.Contains(bot.sent[0].Text, "rm -rf /") {
		t.Fatalf("unexpected text: %q", bot.sent[0].Text)
	}
	if bot.sent[0].ParseMode != "" {
		t.Fatal("alerts must be plain text")
	}
}

func TestTelegramSink_RetriesRateLimit(t *testing.T) {
	bot := &fakeBot{failN: 1}
	s, _ := newTelegramSink(bot, []string{"1"}, testLogger())
	if err := s.WriteAudit(context.Background(), sampleRecord(domain.OutcomeRateLimited)); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(bot.sent))
	}
}

func TestTelegramSink_GivesUpWithContext(t *testing.T) {
	bot := &fakeBot{failN: 100}
	s, _ := newTelegramSink(bot, []string{"1"}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WriteAudit(ctx, sampleRecord(domain.OutcomeBlocked)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestTelegramSink_HardError(t *testing.T) {
	bot := &fakeBot{hardErr: errors.New("Forbidden: bot was blocked by the user")}
	s, _ := newTelegramSink(bot, []string{"1"}, testLogger())
	if err := s.WriteAudit(context.Background(), sampleRecord(domain.OutcomeBlocked)); err == nil {
		t.Fatal("expected error")
	}
}

func TestTelegramSink_BadChatIDs(t *testing.T) {
	if _, err := newTelegramSink(&fakeBot{}, []string{"abc"}, testLogger()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := newTelegramSink(&fakeBot{}, nil, testLogger()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty list, got %v", err)
	}
}

// --- MQTT ---

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	d := make(chan struct{})
	close(d)
	return &fakeToken{err: err, done: d}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic   string
	payload []byte
}

type fakeMQTT struct {
	mu         sync.Mutex
	opts       *mqtt.ClientOptions
	connected  bool
	connectErr error
	published  []publishCall
}

func (f *fakeMQTT) Connect() mqtt.Token {
	f.connected = f.connectErr == nil
	return newFakeToken(f.connectErr)
}
func (f *fakeMQTT) Disconnect(uint)   { f.connected = false }
func (f *fakeMQTT) IsConnected() bool { return f.connected }
func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishCall{topic: topic, payload: payload.([]byte)})
	return newFakeToken(nil)
}

func newTestMQTTSink(t *testing.T, fake *fakeMQTT) (*MQTTSink, error) {
	t.Helper()
	return NewMQTTSinkWithClient(MQTTConfig{
		Broker:   "tcp://127.0.0.1:1883",
		ClientID: "thk-test",
		Topic:    "site/thk",
		Logger:   testLogger(),
	}, func(opts *mqtt.ClientOptions) MQTTClient {
		fake.opts = opts
		return fake
	})
}

func TestMQTTSink_PublishesJSON(t *testing.T) {
	fake := &fakeMQTT{}
	s, err := newTestMQTTSink(t, fake)
	if err != nil {
		t.Fatal(err)
	}
	if fake.opts.ClientID != "thk-test" || len(fake.opts.Servers) != 1 {
		t.Fatalf("client options not applied: %+v", fake.opts)
	}

	rec := sampleRecord(domain.OutcomeBlocked)
	if err := s.WriteAudit(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(fake.published) != 1 {
		t.Fatalf("published %d, want 1", len(fake.published))
	}
	call := fake.published[0]
	if call.topic != "site/thk/blocked" {
		t.Fatalf("topic = %q", call.topic)
	}
	var got domain.AuditRecord
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.Outcome != domain.OutcomeBlocked || got.Command != "rm -rf /" {
		t.Fatalf("payload mismatch: %+v", got)
	}

	s.Close()
	if err := s.WriteAudit(context.Background(), rec); err == nil {
		t.Fatal("disconnected sink should fail")
	}
}

func TestMQTTSink_ConnectError(t *testing.T) {
	fake := &fakeMQTT{connectErr: errors.New("connection refused")}
	if _, err := newTestMQTTSink(t, fake); err == nil {
		t.Fatal("expected connect error")
	}
}
