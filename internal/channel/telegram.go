package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Telegram is a Messenger backed by the Telegram Bot API.
//
// Ownership model:
//   - Telegram owns its resty client; callers only hold the Messenger.
//   - All operator traffic goes to a single configured chat; thread IDs are
//     carried through so forum-style chats route correctly.
//
// Pull acks callback queries before returning them, so a button press stops
// spinning in the operator UI even if the engine later drops the action.
type Telegram struct {
	http    *resty.Client
	apiBase string
	chatID  int64
}

// TelegramOption configures the Telegram messenger.
type TelegramOption func(*Telegram)

// WithAPIBase points the client at a different Bot API host, for
// self-hosted telegram-bot-api servers.
func WithAPIBase(base string) TelegramOption {
	return func(t *Telegram) { t.apiBase = base }
}

// NewTelegram constructs a Telegram messenger for one bot token and chat.
func NewTelegram(token string, chatID int64, opts ...TelegramOption) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("channel: empty bot token")
	}
	if chatID == 0 {
		return nil, errors.New("channel: zero chat id")
	}

	t := &Telegram{chatID: chatID, apiBase: "https://api.telegram.org"}
	for _, opt := range opts {
		opt(t)
	}
	t.http = resty.New().
		SetBaseURL(t.apiBase + "/bot" + token).
		SetTimeout(90 * time.Second).
		SetRetryCount(0)
	return t, nil
}

type tgResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type tgMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	ThreadID int64  `json:"message_thread_id"`
	Text     string `json:"text"`
}

type tgSendResponse struct {
	tgResponse
	Result tgMessage `json:"result"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
	Callback *struct {
		ID      string     `json:"id"`
		Data    string     `json:"data"`
		Message *tgMessage `json:"message"`
	} `json:"callback_query"`
}

type tgUpdatesResponse struct {
	tgResponse
	Result []tgUpdate `json:"result"`
}

func keyboard(buttons [][]Button) map[string]any {
	rows := make([][]map[string]string, 0, len(buttons))
	for _, row := range buttons {
		r := make([]map[string]string, 0, len(row))
		for _, b := range row {
			r = append(r, map[string]string{"text": b.Label, "callback_data": b.Data})
		}
		rows = append(rows, r)
	}
	return map[string]any{"inline_keyboard": rows}
}

// Send delivers a message with optional inline buttons to the operator chat.
func (t *Telegram) Send(ctx context.Context, text string, buttons [][]Button) (MessageRef, error) {
	body := map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	}
	if len(buttons) > 0 {
		body["reply_markup"] = keyboard(buttons)
	}

	var out tgSendResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/sendMessage")
	if err != nil {
		return MessageRef{}, fmt.Errorf("telegram sendMessage: %w", err)
	}
	if resp.IsError() || !out.OK {
		return MessageRef{}, fmt.Errorf("telegram sendMessage: %s", out.Description)
	}

	return MessageRef{
		ChatID:    out.Result.Chat.ID,
		MessageID: out.Result.MessageID,
		ThreadID:  out.Result.ThreadID,
	}, nil
}

// Edit rewrites a delivered message in place.
//
// The original message may or may not carry an attachment, so the caption
// edit is attempted first and falls back to a text edit when Telegram
// rejects it. Both paths replace the inline keyboard.
func (t *Telegram) Edit(ctx context.Context, ref MessageRef, text string, buttons [][]Button) error {
	if !ref.Delivered() {
		return errors.New("channel: edit of undelivered message")
	}

	markup := keyboard(buttons)

	err := t.edit(ctx, "/editMessageCaption", map[string]any{
		"chat_id":      ref.ChatID,
		"message_id":   ref.MessageID,
		"caption":      text,
		"reply_markup": markup,
	})
	if err == nil {
		return nil
	}

	return t.edit(ctx, "/editMessageText", map[string]any{
		"chat_id":      ref.ChatID,
		"message_id":   ref.MessageID,
		"text":         text,
		"reply_markup": markup,
	})
}

func (t *Telegram) edit(ctx context.Context, path string, body map[string]any) error {
	var out tgResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", path, err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram %s: %s", path, out.Description)
	}
	return nil
}

// Pull long-polls getUpdates starting after the given sequence.
// The returned actions are ordered by SequenceID ascending (Telegram
// guarantees update_id ordering within one response).
func (t *Telegram) Pull(ctx context.Context, afterSeq int64, limit int, timeout time.Duration) ([]Action, error) {
	if limit <= 0 {
		limit = 100
	}

	var out tgUpdatesResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":          strconv.FormatInt(afterSeq+1, 10),
			"limit":           strconv.Itoa(limit),
			"timeout":         strconv.Itoa(int(timeout / time.Second)),
			"allowed_updates": `["message","callback_query"]`,
		}).
		SetResult(&out).
		Get("/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	if resp.IsError() || !out.OK {
		return nil, fmt.Errorf("telegram getUpdates: %s", out.Description)
	}

	// Every update contributes its SequenceID, even ones that carry no
	// press or reply. Skipping an update would pin the cursor below it and
	// getUpdates would hand the same batch back on every poll.
	actions := make([]Action, 0, len(out.Result))
	for _, u := range out.Result {
		switch {
		case u.Callback != nil:
			press, err := DecodeCallback(u.Callback.Data)
			// Ack regardless so the operator UI stops the spinner.
			t.ackCallback(ctx, u.Callback.ID)
			if err != nil {
				actions = append(actions, Action{SequenceID: u.UpdateID})
				continue
			}
			a := Action{SequenceID: u.UpdateID, Press: &press}
			if m := u.Callback.Message; m != nil {
				a.ChatID = m.Chat.ID
				a.ThreadID = m.ThreadID
			}
			actions = append(actions, a)
		case u.Message != nil && u.Message.Text != "":
			actions = append(actions, Action{
				SequenceID: u.UpdateID,
				ChatID:     u.Message.Chat.ID,
				ThreadID:   u.Message.ThreadID,
				Reply:      &TypedReply{Text: u.Message.Text},
			})
		default:
			actions = append(actions, Action{SequenceID: u.UpdateID})
		}
	}
	return actions, nil
}

func (t *Telegram) ackCallback(ctx context.Context, id string) {
	if id == "" {
		return
	}
	// Best-effort; a failed ack only leaves the operator spinner running.
	_, _ = t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"callback_query_id": id}).
		Post("/answerCallbackQuery")
}
