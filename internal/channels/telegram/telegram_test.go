package telegram

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/pkg/models"
)

type fakeSender struct {
	sent      []*bot.SendMessageParams
	callbacks []*bot.AnswerCallbackQueryParams
}

func (f *fakeSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.sent = append(f.sent, params)
	return &tgmodels.Message{}, nil
}

func (f *fakeSender) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	f.callbacks = append(f.callbacks, params)
	return true, nil
}

type fakeRuntime struct {
	reply    string
	pending  []*models.PendingApproval
	resolved []string
}

func (f *fakeRuntime) HandlePrompt(ctx context.Context, sessionKey, userID, prompt string) (string, error) {
	return f.reply, nil
}

func (f *fakeRuntime) ResolveApproval(ctx context.Context, id, decidedBy string, approve bool) (string, error) {
	verdict := "denied"
	if approve {
		verdict = "approved"
	}
	f.resolved = append(f.resolved, id+":"+verdict)
	return "resolution for " + id, nil
}

func (f *fakeRuntime) PendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error) {
	return f.pending, nil
}

func newTestAdapter(rt *fakeRuntime, cfg config.TelegramConfig) (*Adapter, *fakeSender) {
	sender := &fakeSender{}
	a := &Adapter{
		cfg:      cfg,
		runtime:  rt,
		logger:   observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		sender:   sender,
		prompted: make(map[string]bool),
	}
	return a, sender
}

func textMessage(userID, chatID int64, text string) *tgmodels.Message {
	return &tgmodels.Message{
		From: &tgmodels.User{ID: userID},
		Chat: tgmodels.Chat{ID: chatID},
		Text: text,
	}
}

func TestHandleMessageRepliesThroughRuntime(t *testing.T) {
	rt := &fakeRuntime{reply: "All done."}
	a, sender := newTestAdapter(rt, config.TelegramConfig{})

	a.handleMessage(context.Background(), textMessage(42, 100, "do a thing"))

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages", len(sender.sent))
	}
	if sender.sent[0].Text != "All done." {
		t.Errorf("text = %q", sender.sent[0].Text)
	}
}

func TestHandleMessageRejectsUnknownUser(t *testing.T) {
	rt := &fakeRuntime{reply: "should not appear"}
	a, sender := newTestAdapter(rt, config.TelegramConfig{AllowedUserIDs: []int64{7}})

	a.handleMessage(context.Background(), textMessage(42, 100, "hi"))

	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "not authorized") {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestOfferApprovalsOnce(t *testing.T) {
	rec := &models.PendingApproval{
		ID:        "appr-1",
		UserID:    "42",
		Call:      models.ToolCall{CallID: "toolcall-1", Name: "exec"},
		Status:    models.ApprovalPending,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	rt := &fakeRuntime{reply: "waiting", pending: []*models.PendingApproval{rec}}
	a, sender := newTestAdapter(rt, config.TelegramConfig{})

	a.handleMessage(context.Background(), textMessage(42, 100, "run it"))
	a.handleMessage(context.Background(), textMessage(42, 100, "run it again"))

	buttons := 0
	for _, p := range sender.sent {
		if p.ReplyMarkup != nil {
			buttons++
		}
	}
	if buttons != 1 {
		t.Errorf("approval offered %d times", buttons)
	}
}

func TestHandleCallbackResolvesApproval(t *testing.T) {
	rt := &fakeRuntime{}
	a, sender := newTestAdapter(rt, config.TelegramConfig{})

	a.handleCallback(context.Background(), &tgmodels.CallbackQuery{
		ID:   "cb-1",
		From: tgmodels.User{ID: 42},
		Data: "approve:appr-9",
		Message: tgmodels.MaybeInaccessibleMessage{
			Message: &tgmodels.Message{Chat: tgmodels.Chat{ID: 100}},
		},
	})

	if len(rt.resolved) != 1 || rt.resolved[0] != "appr-9:approved" {
		t.Errorf("resolved = %v", rt.resolved)
	}
	if len(sender.callbacks) != 1 {
		t.Errorf("callback answered %d times", len(sender.callbacks))
	}
	found := false
	for _, p := range sender.sent {
		if strings.Contains(p.Text, "resolution for appr-9") {
			found = true
		}
	}
	if !found {
		t.Error("resolution never sent to chat")
	}
}

func TestChunkMessage(t *testing.T) {
	if got := chunkMessage("short", 4096); len(got) != 1 || got[0] != "short" {
		t.Errorf("got %v", got)
	}

	long := strings.Repeat("line of output\n", 1000)
	chunks := chunkMessage(long, 4096)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4096 {
			t.Errorf("chunk %d is %d chars", i, len(c))
		}
		if c == "" {
			t.Errorf("chunk %d empty", i)
		}
	}
	joined := strings.Join(chunks, "\n") + "\n"
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(long, "\n", "") {
		t.Error("chunking lost content")
	}

	// No newline to break on: hard split.
	solid := strings.Repeat("x", 9000)
	chunks = chunkMessage(solid, 4096)
	if len(chunks) != 3 {
		t.Errorf("solid chunks = %d", len(chunks))
	}
}
