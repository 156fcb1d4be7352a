// Package telegram adapts the runtime to the Telegram Bot API: incoming
// messages become prompts, the firewall-rendered answer goes back to the
// chat, and pending approvals surface as inline approve/deny buttons.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/pkg/models"
)

// maxMessageChars is Telegram's hard limit per message.
const maxMessageChars = 4096

// Runtime is the service surface the adapter needs. Narrow so tests can
// fake it.
type Runtime interface {
	HandlePrompt(ctx context.Context, sessionKey, userID, prompt string) (string, error)
	ResolveApproval(ctx context.Context, id, decidedBy string, approve bool) (string, error)
	PendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error)
}

// Sender is the subset of bot.Bot the adapter calls. bot.Bot satisfies
// it; tests inject a recorder.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Adapter bridges Telegram updates and the runtime service.
type Adapter struct {
	cfg     config.TelegramConfig
	runtime Runtime
	logger  *observability.Logger

	bot    *bot.Bot
	sender Sender

	mu       sync.Mutex
	prompted map[string]bool
}

// NewAdapter builds the adapter and its underlying bot client.
func NewAdapter(cfg config.TelegramConfig, runtime Runtime, logger *observability.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	a := &Adapter{
		cfg:      cfg,
		runtime:  runtime,
		logger:   logger,
		prompted: make(map[string]bool),
	}
	b, err := bot.New(cfg.Token,
		bot.WithDefaultHandler(a.handleUpdate),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a.bot = b
	a.sender = b
	return a, nil
}

// Start long-polls until the context is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.logger.Info(ctx, "telegram adapter started")
	a.bot.Start(ctx)
	a.logger.Info(ctx, "telegram adapter stopped")
}

// handleUpdate routes one update: text messages become prompts, callback
// queries become approval decisions.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgmodels.Message) {
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	if !a.userAllowed(msg.From.ID) {
		a.send(ctx, chatID, "You are not authorized to use this bot.")
		return
	}

	reply, err := a.runtime.HandlePrompt(ctx, strconv.FormatInt(chatID, 10), userID, msg.Text)
	if err != nil {
		a.logger.Error(ctx, "prompt handling failed", "error", err)
		a.send(ctx, chatID, "⚠️ Something went wrong handling that request.")
		return
	}
	a.send(ctx, chatID, reply)
	a.offerApprovals(ctx, chatID, userID)
}

// offerApprovals posts approve/deny buttons for approvals the turn just
// opened. Each request is offered once.
func (a *Adapter) offerApprovals(ctx context.Context, chatID int64, userID string) {
	pending, err := a.runtime.PendingApprovals(ctx, userID)
	if err != nil {
		a.logger.Error(ctx, "list pending approvals failed", "error", err)
		return
	}
	for _, rec := range pending {
		a.mu.Lock()
		seen := a.prompted[rec.ID]
		a.prompted[rec.ID] = true
		a.mu.Unlock()
		if seen {
			continue
		}

		text := fmt.Sprintf("Approval needed: %s\n%s\nExpires %s",
			rec.Call.Name, summarizeArgs(rec.Call.Args), rec.ExpiresAt.Format("15:04:05"))
		_, err := a.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
			ReplyMarkup: &tgmodels.InlineKeyboardMarkup{
				InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
					{Text: "✅ Approve", CallbackData: "approve:" + rec.ID},
					{Text: "❌ Deny", CallbackData: "deny:" + rec.ID},
				}},
			},
		})
		if err != nil {
			a.logger.Error(ctx, "send approval prompt failed", "error", err)
		}
	}
}

func (a *Adapter) handleCallback(ctx context.Context, cb *tgmodels.CallbackQuery) {
	defer func() {
		if _, err := a.sender.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cb.ID,
		}); err != nil {
			a.logger.Error(ctx, "answer callback failed", "error", err)
		}
	}()

	if !a.userAllowed(cb.From.ID) {
		return
	}
	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok || (action != "approve" && action != "deny") {
		return
	}
	userID := strconv.FormatInt(cb.From.ID, 10)

	result, err := a.runtime.ResolveApproval(ctx, id, userID, action == "approve")
	if err != nil {
		a.logger.Error(ctx, "resolve approval failed", "error", err)
		result = "⚠️ Could not resolve the approval request."
	}

	chatID := callbackChatID(cb)
	if chatID != 0 {
		a.send(ctx, chatID, result)
	}
}

func callbackChatID(cb *tgmodels.CallbackQuery) int64 {
	if cb.Message.Message != nil {
		return cb.Message.Message.Chat.ID
	}
	if cb.Message.InaccessibleMessage != nil {
		return cb.Message.InaccessibleMessage.Chat.ID
	}
	return 0
}

// send delivers text in Telegram-sized chunks.
func (a *Adapter) send(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	for _, chunk := range chunkMessage(text, maxMessageChars) {
		if _, err := a.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		}); err != nil {
			a.logger.Error(ctx, "send message failed", "error", err)
			return
		}
	}
}

func (a *Adapter) userAllowed(id int64) bool {
	if len(a.cfg.AllowedUserIDs) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedUserIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// chunkMessage splits text at size boundaries, preferring newlines so
// chunks break between lines rather than mid-sentence.
func chunkMessage(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], '\n')
		if cut <= 0 {
			cut = size
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func summarizeArgs(args []byte) string {
	s := strings.TrimSpace(string(args))
	if s == "" {
		return "(no arguments)"
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
