// Package telegram реализует клиент Bot API поверх net/http.
// Все вызовы проходят через общий rate-лимитер: Bot API ограничивает
// частоту исходящих сообщений, а выселение из каналов делает по два
// вызова на канал.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alfredwatch/gatekeeper/internal/config"
)

// Client клиент Bot API.
type Client struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient создаёт клиент Bot API по настройкам из конфига.
func NewClient(cfg config.Telegram) *Client {
	return &Client{
		apiURL:     "https://api.telegram.org/bot" + cfg.BotToken,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

// call выполняет метод Bot API и декодирует конверт ответа в result
// (result может быть nil, если тело не нужно).
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	const op = "telegram.call"

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var buf bytes.Buffer
	if params != nil {
		if err := json.NewEncoder(&buf).Encode(params); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, &buf)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var envelope struct {
		apiResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s: %s", op, method, envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// SendMessage отправляет сообщение; markup может быть nil.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) error {
	params := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup != nil {
		params["reply_markup"] = markup
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// AnswerCallbackQuery подтверждает нажатие inline-кнопки.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	params := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// GetChatMember возвращает статус пользователя в канале.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	var member ChatMember
	err := c.call(ctx, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, &member)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// BanChatMember банит пользователя в канале.
func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// UnbanChatMember снимает бан. Пара бан+разбан выселяет пользователя
// без постоянного бана.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
}

// CreateChatInviteLink выпускает одноразовую ссылку с ограниченным
// сроком жизни.
func (c *Client) CreateChatInviteLink(ctx context.Context, chatID int64, memberLimit int, expireAt time.Time) (*ChatInviteLink, error) {
	var link ChatInviteLink
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      chatID,
		"member_limit": memberLimit,
		"expire_date":  expireAt.Unix(),
	}, &link)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetChat возвращает информацию о чате или пользователе.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetMe возвращает учётную запись самого бота.
func (c *Client) GetMe(ctx context.Context) (*TgUser, error) {
	var me TgUser
	if err := c.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates забирает пачку событий long polling начиная с offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}
