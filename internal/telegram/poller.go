package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/codexmonitor/relay/internal/config"
	"github.com/codexmonitor/relay/internal/identity"
	"github.com/codexmonitor/relay/internal/relay"
	"github.com/codexmonitor/relay/internal/workspace"
)

// botAPI is the slice of tgbotapi.BotAPI the poller uses. Tests swap in a
// fake.
type botAPI interface {
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// selectionTTL bounds how long a /status keyboard stays actionable.
const selectionTTL = 10 * time.Minute

// chatBinding ties a chat to the workspace and thread it drives.
type chatBinding struct {
	WorkspaceID string
	ThreadID    string
	Label       string
}

// selection is one pending keyboard choice.
type selection struct {
	WorkspaceID string
	Label       string
	CreatedAt   time.Time
}

// Poller runs the chat-bot binding: it long-polls for updates, pairs a
// single user, routes their messages into agent turns, and delivers
// replies back, including turns that outlive the synchronous poll.
type Poller struct {
	bot         botAPI
	settingsDir string
	registry    *workspace.Registry
	manager     *workspace.Manager
	executor    *relay.Executor
	dedup       *relay.DedupWindow
	correlator  *Correlator

	mu          sync.Mutex
	allowedUser int64
	pairingHash string
	notifyTurns bool
	bindings    map[int64]*chatBinding
	selections  map[string]selection

	now func() time.Time
}

// NewPoller creates a poller from loaded settings.
func NewPoller(bot botAPI, settingsDir string, cfg *config.Settings, registry *workspace.Registry, manager *workspace.Manager, executor *relay.Executor) *Poller {
	return &Poller{
		bot:         bot,
		settingsDir: settingsDir,
		registry:    registry,
		manager:     manager,
		executor:    executor,
		dedup:       relay.NewDedupWindow(0),
		correlator:  NewCorrelator(),
		allowedUser: cfg.Telegram.AllowedUserID,
		pairingHash: cfg.Telegram.PairingCodeHash,
		notifyTurns: cfg.Telegram.NotifyTurns,
		bindings:    make(map[int64]*chatBinding),
		selections:  make(map[string]selection),
		now:         time.Now,
	}
}

// Connect dials the bot API with the configured token.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return bot, nil
}

// Run polls for updates until the context is cancelled. It also consumes
// agent runtime events so long turns get their replies delivered.
func (p *Poller) Run(ctx context.Context) {
	p.notifyPaired("Relay started.")
	defer p.notifyPaired("Relay stopped.")

	go p.consumeEvents(ctx, p.manager.Subscribe())

	trim := time.NewTicker(time.Minute)
	defer trim.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-trim.C:
				p.dedup.Trim()
				for _, expired := range p.correlator.Trim() {
					p.editOrSend(expired.ChatID, expired.MessageID, "Gave up waiting for this turn.")
				}
				p.trimSelections()
			}
		}
	}()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := p.bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Timeout: 30})
		if err != nil {
			log.Printf("telegram: get updates: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handleUpdate(ctx, u)
		}
	}
}

func (p *Poller) handleUpdate(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		p.handleCallback(u.CallbackQuery)
	case u.Message != nil:
		p.handleMessage(ctx, u.Message)
	}
}

func (p *Poller) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}

	if msg.IsCommand() && msg.Command() == "link" {
		p.handleLink(msg)
		return
	}
	if !p.authorized(msg.From.ID) {
		p.send(msg.Chat.ID, "This relay is not paired with you. Use /link <code>.")
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "status":
			p.handleStatus(msg.Chat.ID)
		case "disconnect":
			p.handleDisconnect(msg.Chat.ID)
		default:
			p.send(msg.Chat.ID, "Commands: /status, /disconnect, /link <code>")
		}
		return
	}

	p.handleUserInput(ctx, msg)
}

// handleLink pairs the sender when the supplied code matches the
// configured pairing hash. Pairing is one-time; a paired relay rejects
// further /link attempts from other users.
func (p *Poller) handleLink(msg *tgbotapi.Message) {
	p.mu.Lock()
	allowed := p.allowedUser
	hash := p.pairingHash
	p.mu.Unlock()

	if allowed != 0 {
		if allowed == msg.From.ID {
			p.send(msg.Chat.ID, "Already paired.")
		}
		return
	}
	if hash == "" {
		p.send(msg.Chat.ID, "No pairing code is configured on the relay.")
		return
	}

	code := strings.TrimSpace(msg.CommandArguments())
	sum := sha256.Sum256([]byte(code))
	if hex.EncodeToString(sum[:]) != hash {
		p.send(msg.Chat.ID, "Wrong pairing code.")
		return
	}

	p.mu.Lock()
	p.allowedUser = msg.From.ID
	p.mu.Unlock()

	if err := p.persistPairing(msg.From.ID); err != nil {
		log.Printf("telegram: persist pairing: %v", err)
	}
	p.send(msg.Chat.ID, "Paired. Use /status to pick a workspace.")
}

func (p *Poller) persistPairing(userID int64) error {
	cfg, err := config.Load(p.settingsDir)
	if err != nil {
		return err
	}
	cfg.Telegram.AllowedUserID = userID
	return config.Save(p.settingsDir, cfg)
}

func (p *Poller) authorized(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowedUser != 0 && p.allowedUser == userID
}

// handleStatus shows the workspace list as an inline keyboard. Buttons
// carry short-lived tokens rather than workspace IDs so stale keyboards
// cannot bind a chat later.
func (p *Poller) handleStatus(chatID int64) {
	entries := p.registry.List()
	if len(entries) == 0 {
		p.send(chatID, "No workspaces registered.")
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	p.mu.Lock()
	for _, e := range entries {
		token := selectionToken(e.ID, p.now())
		p.selections[token] = selection{WorkspaceID: e.ID, Label: e.Name, CreatedAt: p.now()}
		label := e.Name
		if p.manager.Connected(e.ID) {
			label += " (connected)"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "ws:"+token),
		))
	}
	binding := p.bindings[chatID]
	p.mu.Unlock()

	text := "Pick a workspace:"
	if binding != nil {
		text = fmt.Sprintf("Bound to %s. Pick a workspace:", binding.Label)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Start new thread", "new"),
		))
	}
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := p.bot.Send(m); err != nil {
		log.Printf("telegram: send status: %v", err)
	}
}

func selectionToken(workspaceID string, now time.Time) string {
	sum := sha256.Sum256([]byte(workspaceID + now.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:6])
}

func (p *Poller) trimSelections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-selectionTTL)
	for token, sel := range p.selections {
		if sel.CreatedAt.Before(cutoff) {
			delete(p.selections, token)
		}
	}
}

func (p *Poller) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || !p.authorized(cb.From.ID) || cb.Message == nil {
		return
	}
	if cb.Data == "new" {
		p.mu.Lock()
		if b := p.bindings[cb.Message.Chat.ID]; b != nil {
			b.ThreadID = ""
		}
		p.mu.Unlock()
		if _, err := p.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			log.Printf("telegram: answer callback: %v", err)
		}
		p.send(cb.Message.Chat.ID, "Next message starts a new thread.")
		return
	}

	token, ok := strings.CutPrefix(cb.Data, "ws:")
	if !ok {
		return
	}

	p.mu.Lock()
	sel, found := p.selections[token]
	if found && p.now().Sub(sel.CreatedAt) > selectionTTL {
		delete(p.selections, token)
		found = false
	}
	if found {
		p.bindings[cb.Message.Chat.ID] = &chatBinding{WorkspaceID: sel.WorkspaceID, Label: sel.Label}
	}
	p.mu.Unlock()

	if _, err := p.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("telegram: answer callback: %v", err)
	}
	if !found {
		p.send(cb.Message.Chat.ID, "That keyboard expired. Run /status again.")
		return
	}
	p.send(cb.Message.Chat.ID, fmt.Sprintf("Bound to %s. Messages here start a new thread.", sel.Label))
}

func (p *Poller) handleDisconnect(chatID int64) {
	p.mu.Lock()
	_, had := p.bindings[chatID]
	delete(p.bindings, chatID)
	p.mu.Unlock()

	if had {
		p.send(chatID, "Disconnected. Use /status to bind again.")
	} else {
		p.send(chatID, "Nothing to disconnect.")
	}
}

// handleUserInput routes one chat message into an agent turn. Duplicate
// submissions inside the dedup window are skipped without touching the
// agent.
func (p *Poller) handleUserInput(ctx context.Context, msg *tgbotapi.Message) {
	// Snapshot the binding while holding the lock; running turns mutate
	// the shared entry concurrently.
	p.mu.Lock()
	bound := p.bindings[msg.Chat.ID]
	var binding chatBinding
	if bound != nil {
		binding = *bound
	}
	p.mu.Unlock()
	if bound == nil {
		p.send(msg.Chat.ID, "Pick a workspace with /status first.")
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	imageURLs := p.collectImages(msg)
	if strings.TrimSpace(text) == "" && len(imageURLs) == 0 {
		return
	}

	clientID := fmt.Sprintf("telegram:%d", msg.From.ID)
	if p.dedup.Check(clientID, binding.WorkspaceID, binding.ThreadID, text) {
		p.send(msg.Chat.ID, "Skipped duplicate message.")
		return
	}

	working, err := p.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Working."))
	if err != nil {
		log.Printf("telegram: send working message: %v", err)
	}

	args, _ := json.Marshal(map[string]any{
		"workspace_id": binding.WorkspaceID,
		"thread_id":    binding.ThreadID,
		"text":         text,
		"image_urls":   imageURLs,
	})
	cmd := relay.Command{
		CommandID: identity.GenerateCommandID(),
		ClientID:  clientID,
		Type:      relay.CmdSendUserMessage,
		Args:      args,
		CreatedAt: time.Now().UTC(),
	}

	go p.runTurn(ctx, msg.Chat.ID, working.MessageID, binding, cmd)
}

// runTurn executes the turn, animating the working message until the
// result lands. Turns that outlive the executor's poll budget hand off
// to the correlator.
func (p *Poller) runTurn(ctx context.Context, chatID int64, workingID int, binding chatBinding, cmd relay.Command) {
	done := make(chan struct{})
	go p.animate(ctx, chatID, workingID, done)

	result := p.executor.Execute(ctx, cmd)
	close(done)

	var payload struct {
		WorkspaceID string `json:"workspace_id"`
		ThreadID    string `json:"thread_id"`
		TurnID      string `json:"turn_id"`
		Reply       string `json:"reply"`
		Completed   bool   `json:"completed"`
		Error       string `json:"error"`
	}
	_ = json.Unmarshal(result.Payload, &payload)

	if !result.OK {
		p.editOrSend(chatID, workingID, "Failed: "+payload.Error)
		return
	}

	p.mu.Lock()
	if b := p.bindings[chatID]; b != nil && b.WorkspaceID == payload.WorkspaceID {
		b.ThreadID = payload.ThreadID
	}
	p.mu.Unlock()

	if payload.Completed {
		p.deleteMessage(chatID, workingID)
		p.sendReply(chatID, binding.Label, payload.Reply)
		return
	}

	p.correlator.Add(PendingReply{
		ChatID:      chatID,
		MessageID:   workingID,
		WorkspaceID: payload.WorkspaceID,
		ThreadID:    payload.ThreadID,
		TurnID:      payload.TurnID,
		Label:       binding.Label,
	})
	p.editOrSend(chatID, workingID, "Still working. I will reply when the turn completes.")
}

// animate keeps the working message visibly alive while a turn runs.
func (p *Poller) animate(ctx context.Context, chatID int64, messageID int, done <-chan struct{}) {
	if messageID == 0 {
		return
	}
	frames := []string{"Working..", "Working...", "Working."}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			edit := tgbotapi.NewEditMessageText(chatID, messageID, frames[i%len(frames)])
			if _, err := p.bot.Request(edit); err != nil {
				// Chat may reject edits; stop animating, the turn result
				// still lands via editOrSend.
				return
			}
		}
	}
}

// consumeEvents delivers replies for turns that outlived the synchronous
// poll, and optional completion notices.
func (p *Poller) consumeEvents(ctx context.Context, events <-chan workspace.Event) {
	for {
		var ev workspace.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		if ev.Method != "turn/completed" {
			continue
		}

		var params struct {
			ThreadID string `json:"thread_id"`
			TurnID   string `json:"turn_id"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil || params.ThreadID == "" {
			continue
		}

		pending, found := p.correlator.Take(ev.WorkspaceID, params.ThreadID, params.TurnID)
		if !found {
			p.mu.Lock()
			notify := p.notifyTurns
			p.mu.Unlock()
			if notify {
				p.notifyPaired(fmt.Sprintf("Turn completed on thread %s.", params.ThreadID))
			}
			continue
		}

		reply := p.fetchReply(ctx, ev.WorkspaceID, params.ThreadID)
		p.deleteMessage(pending.ChatID, pending.MessageID)
		if reply == "" {
			p.send(pending.ChatID, "Turn completed with no reply text.")
			continue
		}
		p.sendReply(pending.ChatID, pending.Label, reply)
	}
}

// fetchReply reads the final assistant message from the thread.
func (p *Poller) fetchReply(ctx context.Context, workspaceID, threadID string) string {
	sess, err := p.manager.EnsureConnected(ctx, workspaceID)
	if err != nil {
		log.Printf("telegram: fetch reply: %v", err)
		return ""
	}
	thread, err := sess.ResumeThread(ctx, threadID)
	if err != nil {
		log.Printf("telegram: fetch reply thread %s: %v", threadID, err)
		return ""
	}
	for i := len(thread.Items) - 1; i >= 0; i-- {
		if thread.Items[i].Type == "agentMessage" && strings.TrimSpace(thread.Items[i].Text) != "" {
			return thread.Items[i].Text
		}
	}
	return ""
}

func (p *Poller) collectImages(msg *tgbotapi.Message) []string {
	if len(msg.Photo) == 0 {
		return nil
	}
	// Telegram lists photo sizes smallest first.
	best := msg.Photo[len(msg.Photo)-1]
	url, err := p.bot.GetFileDirectURL(best.FileID)
	if err != nil {
		log.Printf("telegram: resolve photo: %v", err)
		return nil
	}
	return []string{url}
}

func (p *Poller) sendReply(chatID int64, label, text string) {
	if label != "" {
		text = label + ":\n" + text
	}
	for _, chunk := range SplitMessage(text) {
		p.send(chatID, chunk)
	}
}

func (p *Poller) send(chatID int64, text string) {
	if _, err := p.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("telegram: send: %v", err)
	}
}

// editOrSend edits the message in place, falling back to a fresh send
// when the chat rejects edits.
func (p *Poller) editOrSend(chatID int64, messageID int, text string) {
	if messageID != 0 {
		if _, err := p.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err == nil {
			return
		}
	}
	p.send(chatID, text)
}

func (p *Poller) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := p.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		log.Printf("telegram: delete message: %v", err)
	}
}

// notifyPaired sends a notice to the paired user's last bound chat, or
// directly to the user when no chat is bound yet.
func (p *Poller) notifyPaired(text string) {
	p.mu.Lock()
	user := p.allowedUser
	p.mu.Unlock()
	if user == 0 {
		return
	}
	p.send(user, text)
}
