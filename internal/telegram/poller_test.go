package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/codexmonitor/relay/internal/appserver"
	"github.com/codexmonitor/relay/internal/config"
	"github.com/codexmonitor/relay/internal/relay"
	"github.com/codexmonitor/relay/internal/workspace"
)

// fakeBot records outbound API calls.
type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	reqs []tgbotapi.Chattable
}

func (f *fakeBot) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	return nil, nil
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mc, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, mc)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func (f *fakeBot) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.sent[len(f.sent)-1].Text
}

func (f *fakeBot) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestPoller(t *testing.T, bot *fakeBot, pairingCode string, allowedUser int64) (*Poller, *workspace.Registry, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Settings{Version: 1}
	cfg.Telegram.Enabled = true
	cfg.Telegram.AllowedUserID = allowedUser
	if pairingCode != "" {
		sum := sha256.Sum256([]byte(pairingCode))
		cfg.Telegram.PairingCodeHash = hex.EncodeToString(sum[:])
	}
	if err := config.Save(dir, cfg); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	registry, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	manager := workspace.NewManager(registry, func(ctx context.Context, e workspace.Entry) (*appserver.Session, error) {
		return nil, fmt.Errorf("no sessions in this test")
	})

	return NewPoller(bot, dir, cfg, registry, manager, nil), registry, dir
}

func textMessage(userID, chatID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}
	if len(text) > 0 && text[0] == '/' {
		end := len(text)
		for i, r := range text {
			if r == ' ' {
				end = i
				break
			}
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return msg
}

func TestLinkPairsUser(t *testing.T) {
	bot := &fakeBot{}
	p, _, dir := newTestPoller(t, bot, "hunter2", 0)

	p.handleMessage(context.Background(), textMessage(7, 7, "/link hunter2"))

	if !p.authorized(7) {
		t.Fatal("user should be paired after a correct code")
	}
	if got := bot.lastText(t); got != "Paired. Use /status to pick a workspace." {
		t.Fatalf("unexpected reply: %q", got)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("reload settings: %v", err)
	}
	if cfg.Telegram.AllowedUserID != 7 {
		t.Fatalf("pairing not persisted, got user %d", cfg.Telegram.AllowedUserID)
	}
}

func TestLinkRejectsWrongCode(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "hunter2", 0)

	p.handleMessage(context.Background(), textMessage(7, 7, "/link wrong"))

	if p.authorized(7) {
		t.Fatal("wrong code must not pair")
	}
	if got := bot.lastText(t); got != "Wrong pairing code." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestLinkIgnoredWhenAlreadyPaired(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "hunter2", 7)

	p.handleMessage(context.Background(), textMessage(9, 9, "/link hunter2"))

	if p.authorized(9) {
		t.Fatal("second user must not steal the pairing")
	}
	if bot.sentCount() != 0 {
		t.Fatalf("expected silence toward strangers, got %d messages", bot.sentCount())
	}
}

func TestUnpairedUserRejected(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "hunter2", 7)

	p.handleMessage(context.Background(), textMessage(9, 9, "hello"))

	if got := bot.lastText(t); got != "This relay is not paired with you. Use /link <code>." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestStatusKeyboardBindsChat(t *testing.T) {
	bot := &fakeBot{}
	p, registry, _ := newTestPoller(t, bot, "", 7)

	entry, err := registry.Add(t.TempDir(), "myproject")
	if err != nil {
		t.Fatalf("add workspace: %v", err)
	}

	p.handleMessage(context.Background(), textMessage(7, 7, "/status"))

	bot.mu.Lock()
	last := bot.sent[len(bot.sent)-1]
	bot.mu.Unlock()
	markup, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("expected an inline keyboard, got %T", last.ReplyMarkup)
	}
	if len(markup.InlineKeyboard) != 1 {
		t.Fatalf("expected 1 keyboard row, got %d", len(markup.InlineKeyboard))
	}
	data := *markup.InlineKeyboard[0][0].CallbackData

	p.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 7}},
		Data:    data,
	})

	p.mu.Lock()
	binding := p.bindings[7]
	p.mu.Unlock()
	if binding == nil || binding.WorkspaceID != entry.ID {
		t.Fatalf("chat not bound to workspace: %+v", binding)
	}
	if got := bot.lastText(t); got != "Bound to myproject. Messages here start a new thread." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestStatusWithNoWorkspaces(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "", 7)

	p.handleMessage(context.Background(), textMessage(7, 7, "/status"))

	if got := bot.lastText(t); got != "No workspaces registered." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestExpiredSelectionRejected(t *testing.T) {
	bot := &fakeBot{}
	p, registry, _ := newTestPoller(t, bot, "", 7)

	if _, err := registry.Add(t.TempDir(), "myproject"); err != nil {
		t.Fatalf("add workspace: %v", err)
	}

	p.handleMessage(context.Background(), textMessage(7, 7, "/status"))
	bot.mu.Lock()
	markup := bot.sent[len(bot.sent)-1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	bot.mu.Unlock()
	data := *markup.InlineKeyboard[0][0].CallbackData

	// Age every selection past its TTL.
	p.mu.Lock()
	for token, sel := range p.selections {
		sel.CreatedAt = sel.CreatedAt.Add(-selectionTTL - 1)
		p.selections[token] = sel
	}
	p.mu.Unlock()

	p.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 7}},
		Data:    data,
	})

	p.mu.Lock()
	binding := p.bindings[7]
	p.mu.Unlock()
	if binding != nil {
		t.Fatal("expired selection must not bind")
	}
	if got := bot.lastText(t); got != "That keyboard expired. Run /status again." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestNewThreadButtonResetsThread(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "", 7)

	p.mu.Lock()
	p.bindings[7] = &chatBinding{WorkspaceID: "ws1", ThreadID: "th1", Label: "myproject"}
	p.mu.Unlock()

	p.handleCallback(&tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 7}},
		Data:    "new",
	})

	p.mu.Lock()
	threadID := p.bindings[7].ThreadID
	p.mu.Unlock()
	if threadID != "" {
		t.Fatalf("thread binding should be cleared, got %q", threadID)
	}
	if got := bot.lastText(t); got != "Next message starts a new thread." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestDisconnectClearsBinding(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "", 7)

	p.mu.Lock()
	p.bindings[7] = &chatBinding{WorkspaceID: "ws1", Label: "myproject"}
	p.mu.Unlock()

	p.handleMessage(context.Background(), textMessage(7, 7, "/disconnect"))

	p.mu.Lock()
	_, bound := p.bindings[7]
	p.mu.Unlock()
	if bound {
		t.Fatal("binding should be cleared")
	}
	if got := bot.lastText(t); got != "Disconnected. Use /status to bind again." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestUnboundChatPrompted(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "", 7)

	p.handleMessage(context.Background(), textMessage(7, 7, "do the thing"))

	if got := bot.lastText(t); got != "Pick a workspace with /status first." {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestConcurrentThreadUpdatesDoNotDisturbInput(t *testing.T) {
	bot := &fakeBot{}
	p, registry, _ := newTestPoller(t, bot, "", 7)
	// A real executor; the workspace is unregistered so every turn fails
	// fast without an agent runtime.
	p.executor = relay.NewExecutor(registry, p.manager, nil)

	p.mu.Lock()
	p.bindings[7] = &chatBinding{WorkspaceID: "ws1", Label: "myproject"}
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p.mu.Lock()
			p.bindings[7].ThreadID = fmt.Sprintf("th_%d", i)
			p.mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p.handleMessage(context.Background(), textMessage(7, 7, fmt.Sprintf("message %d", i)))
		}
	}()
	wg.Wait()

	// Every turn reports its failure by editing the working message.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		bot.mu.Lock()
		n := len(bot.reqs)
		bot.mu.Unlock()
		if n >= 50 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	bot.mu.Lock()
	n := len(bot.reqs)
	bot.mu.Unlock()
	if n < 50 {
		t.Fatalf("edits = %d, want 50 failure reports", n)
	}

	p.mu.Lock()
	ws := p.bindings[7].WorkspaceID
	p.mu.Unlock()
	if ws != "ws1" {
		t.Fatalf("workspace binding = %q, want ws1", ws)
	}
}

func TestDuplicateMessageSkipped(t *testing.T) {
	bot := &fakeBot{}
	p, _, _ := newTestPoller(t, bot, "", 7)

	p.mu.Lock()
	p.bindings[7] = &chatBinding{WorkspaceID: "ws1", Label: "myproject"}
	p.mu.Unlock()

	// Seed the window as a prior delivery of the same submission would.
	// The executor is nil here, so reaching it would panic: the duplicate
	// path must short-circuit before execution.
	p.dedup.Check("telegram:7", "ws1", "", "do the thing")

	p.handleMessage(context.Background(), textMessage(7, 7, "do the thing"))

	if got := bot.lastText(t); got != "Skipped duplicate message." {
		t.Fatalf("unexpected reply: %q", got)
	}
}
