// Package telegram adapts the Bot API to the session transport interface.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg_monitor/internal/model"
	"tg_monitor/internal/session"
)

// Client is one account's Bot API connection.
type Client struct {
	token   string
	ordinal int
	api     *tgbotapi.BotAPI
	http    *http.Client
	log     *slog.Logger
}

// Dialer returns a session.Dialer creating Bot API clients from account
// tokens.
func Dialer(log *slog.Logger) session.Dialer {
	return func(account model.Account) (session.Client, error) {
		if account.Token == "" {
			return nil, fmt.Errorf("account %q has no token", account.Identity)
		}
		return &Client{
			token:   account.Token,
			ordinal: account.Ordinal,
			http:    &http.Client{Timeout: 2 * time.Minute},
			log:     log,
		}, nil
	}
}

// Connect authenticates the token against the Bot API.
func (c *Client) Connect(_ context.Context) error {
	api, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("create bot api: %w", err)
	}
	c.api = api
	c.log.Info("connected", "ordinal", c.ordinal, "username", api.Self.UserName)
	return nil
}

// Events starts long polling and returns the normalized event stream.
// Updates that cannot be normalized are logged and dropped.
func (c *Client) Events(ctx context.Context) (<-chan model.Event, error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	out := make(chan model.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				ev, err := c.normalize(update)
				if err != nil {
					c.log.Warn("drop update", "ordinal", c.ordinal, "error", err)
					continue
				}
				if ev == nil {
					continue // not a message update
				}
				select {
				case out <- *ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) normalize(update tgbotapi.Update) (*model.Event, error) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return nil, nil
	}
	if msg.Chat == nil {
		return nil, fmt.Errorf("message %d has no chat", msg.MessageID)
	}

	ev := &model.Event{
		AccountOrdinal: c.ordinal,
		ChatID:         msg.Chat.ID,
		MessageID:      msg.MessageID,
		Text:           msg.Text,
		Time:           msg.Time(),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	if msg.From != nil {
		ev.SenderID = msg.From.ID
		ev.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if ev.SenderName == "" {
			ev.SenderName = msg.From.UserName
		}
		ev.SenderIsBot = msg.From.IsBot
	}

	if msg.Document != nil {
		ev.Attachment = &model.Attachment{
			FileName:  msg.Document.FileName,
			Extension: strings.ToLower(filepath.Ext(msg.Document.FileName)),
			Size:      int64(msg.Document.FileSize),
			FileID:    msg.Document.FileID,
			IsImage:   strings.HasPrefix(msg.Document.MimeType, "image/"),
		}
	} else if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		ev.Attachment = &model.Attachment{
			FileName:  fmt.Sprintf("photo_%d.jpg", msg.MessageID),
			Extension: ".jpg",
			Size:      int64(best.FileSize),
			FileID:    best.FileID,
			IsImage:   true,
		}
	}

	if msg.ReplyMarkup != nil {
		for row, line := range msg.ReplyMarkup.InlineKeyboard {
			for col, btn := range line {
				b := model.Button{Label: btn.Text, Row: row, Col: col}
				if btn.CallbackData != nil {
					b.Data = *btn.CallbackData
				}
				ev.Buttons = append(ev.Buttons, b)
			}
		}
	}
	return ev, nil
}

// SendMessage sends plain text into a chat.
func (c *Client) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	sent, err := c.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// Reply sends text quoting the given message.
func (c *Client) Reply(_ context.Context, chatID int64, messageID int, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("reply: %w", err)
	}
	return sent.MessageID, nil
}

// Forward copies a message into another chat.
func (c *Client) Forward(_ context.Context, toChat, fromChat int64, messageID int) error {
	if _, err := c.api.Send(tgbotapi.NewForward(toChat, fromChat, messageID)); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	return nil
}

// Click emulates pressing an inline button. The Bot API offers no callback
// press endpoint, so the button payload is sent back into the chat, which
// the bots this targets accept as the equivalent text command.
func (c *Client) Click(ctx context.Context, chatID int64, messageID int, data string) error {
	if data == "" {
		return fmt.Errorf("button has no payload")
	}
	_, err := c.Reply(ctx, chatID, messageID, data)
	return err
}

// Download fetches a file's bytes by its transport handle.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(c.token), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// DeleteMessage removes a message the account sent.
func (c *Client) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	if _, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Close stops long polling.
func (c *Client) Close() error {
	if c.api != nil {
		c.api.StopReceivingUpdates()
	}
	return nil
}
