// Package bot реализует тонкий командный слой поверх long polling:
// разбирает входящие события и передаёт их обработчикам. Вся логика
// подписок живёт в сервисах, бот только маршрутизирует.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
)

// API определяет методы Bot API, которые использует командный слой.
type API interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	GetChat(ctx context.Context, chatID int64) (*telegram.Chat, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
	GetMe(ctx context.Context) (*telegram.TgUser, error)
}

// UserStore определяет методы хранилища для командного слоя.
type UserStore interface {
	AddUser(ctx context.Context, telegramID int64, username, firstName string) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	SetRole(ctx context.Context, telegramID int64, role string) (int, error)
	AddPlan(ctx context.Context, telegramID int64, plan string) error
	SetAccessGranted(ctx context.Context, telegramID int64, granted bool) error
	// EndPayment снимает платёжный флаг: наблюдатель увидит это на
	// следующей итерации и закроет попытку как canceled.
	EndPayment(ctx context.Context, telegramID int64) error
}

// Registry читает реестр каналов со сбросом кеша после правок.
type Registry interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
	Invalidate(ctx context.Context)
}

// AdminStore определяет админские правки реестра каналов и пула
// платёжных адресов.
type AdminStore interface {
	AddChannel(ctx context.Context, channel models.Channel) error
	RemoveChannel(ctx context.Context, channelID int64) (int, error)
	AddPoolAddress(ctx context.Context, address string) error
}

// PaymentStarter запускает платёжные попытки. Start-методы блокируются
// до терминального статуса.
type PaymentStarter interface {
	StartInvoice(ctx context.Context, user *models.User, tariff models.Tariff) error
	StartOnChain(ctx context.Context, user *models.User, tariff models.Tariff) error
	AdminGrant(ctx context.Context, adminID int64, adminName string, user *models.User, newEnd time.Time) error
}

// AccessGranter выдаёт пригласительные ссылки.
type AccessGranter interface {
	GrantAccess(ctx context.Context, userID int64, plans []string) (links []string, missing []string)
}

// Bot принимает события long polling и раздаёт их обработчикам.
type Bot struct {
	api      API
	users    UserStore
	registry Registry
	channels AdminStore
	payments PaymentStarter
	granter  AccessGranter
	texts    *texts.Provider
	log      *slog.Logger
	cfg      config.Telegram

	botID int64
}

// New создает новый экземпляр Bot.
func New(
	api API,
	users UserStore,
	registry Registry,
	channels AdminStore,
	payments PaymentStarter,
	granter AccessGranter,
	provider *texts.Provider,
	log *slog.Logger,
	cfg config.Telegram,
) *Bot {
	return &Bot{
		api:      api,
		users:    users,
		registry: registry,
		channels: channels,
		payments: payments,
		granter:  granter,
		texts:    provider,
		log:      log,
		cfg:      cfg,
	}
}

// Run крутит цикл long polling до отмены контекста. Каждое событие
// обрабатывается в своей горутине: платёжные обработчики блокируются
// надолго и не должны останавливать приём остальных событий.
func (b *Bot) Run(ctx context.Context) error {
	const op = "bot.Run"

	me, err := b.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	b.botID = me.ID
	b.log.Info("bot started", slog.String("username", me.Username))

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		default:
		}

		updates, err := b.api.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", op, ctx.Err())
			}
			b.log.Error("failed to get updates", sl.Err(err))
			time.Sleep(time.Second)
			continue
		}

		for _, upd := range updates {
			offset = upd.UpdateID + 1
			go b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in update handler",
				slog.Int64("update_id", upd.UpdateID), slog.Any("panic", r))
		}
	}()

	switch {
	case upd.Message != nil && upd.Message.From != nil:
		b.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}
	fields := strings.Fields(msg.Text)
	command := fields[0]
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	args := fields[1:]

	switch command {
	case "/start":
		b.handleStart(ctx, msg)
	default:
		b.handleAdminCommand(ctx, msg, command, args)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.Message == nil {
		return
	}

	switch {
	case cb.Data == "check_subscription":
		b.answer(ctx, cb.ID, "")
		b.handleCheckSubscription(ctx, cb)
	case cb.Data == "subscription_options":
		b.answer(ctx, cb.ID, "")
		b.handleSubscriptionOptions(ctx, cb)
	case cb.Data == "payment_cancel":
		b.handlePaymentCancel(ctx, cb)
	case strings.HasPrefix(cb.Data, "pay:"):
		b.answer(ctx, cb.ID, "")
		b.handleTariffChosen(ctx, cb, strings.TrimPrefix(cb.Data, "pay:"))
	case strings.HasPrefix(cb.Data, "method:"):
		b.handleMethodChosen(ctx, cb, strings.TrimPrefix(cb.Data, "method:"))
	default:
		b.answer(ctx, cb.ID, "")
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.api.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		b.log.Error("failed to answer callback", sl.Err(err))
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) {
	if err := b.api.SendMessage(ctx, chatID, text, markup); err != nil {
		b.log.Error("failed to send message",
			slog.Int64("chat_id", chatID), sl.Err(err))
	}
}
