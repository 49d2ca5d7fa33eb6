package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/services/watcher"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
)

func (b *Bot) mainMenu() *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "Перевірити підписку", CallbackData: "check_subscription"}},
		{{Text: "Оплатити підписку", CallbackData: "subscription_options"}},
	}}
}

func (b *Bot) handleStart(ctx context.Context, msg *telegram.Message) {
	from := msg.From
	if err := b.users.AddUser(ctx, from.ID, from.Username, from.FirstName); err != nil {
		b.log.Error("failed to register user", sl.Err(err))
		return
	}

	text := b.texts.Render("START", map[string]string{"name": from.FirstName})
	b.send(ctx, msg.Chat.ID, text, b.mainMenu())
}

func (b *Bot) handleCheckSubscription(ctx context.Context, cb *telegram.CallbackQuery) {
	user, err := b.users.GetUser(ctx, cb.From.ID)
	if err != nil || user == nil {
		b.log.Error("failed to load user", sl.Err(err))
		return
	}

	end, ok := subtime.Parse(user.SubscriptionEnd)
	active := ok && end.After(time.Now()) && user.AccessGranted
	if !active {
		b.send(ctx, cb.Message.Chat.ID, b.texts.Get("SUBSCRIPTION_OPTIONS"), b.tariffKeyboard())
		return
	}

	text := b.texts.Render("ACCESS_IS_AVAILABLE", map[string]string{
		"end": subtime.Normalize(end),
	})
	if links, _ := b.granter.GrantAccess(ctx, user.TelegramID, user.Plans); len(links) > 0 {
		text += "\n" + strings.Join(links, "\n")
	}
	b.send(ctx, cb.Message.Chat.ID, text, nil)
}

func (b *Bot) tariffKeyboard() *telegram.InlineKeyboardMarkup {
	rows := make([][]telegram.InlineKeyboardButton, 0, len(models.Tariffs))
	for _, t := range models.Tariffs {
		label := fmt.Sprintf("%d міс — %g USDT", t.Months, t.Amount)
		rows = append(rows, []telegram.InlineKeyboardButton{
			{Text: label, CallbackData: "pay:" + t.Key},
		})
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (b *Bot) handleSubscriptionOptions(ctx context.Context, cb *telegram.CallbackQuery) {
	b.send(ctx, cb.Message.Chat.ID, b.texts.Get("SUBSCRIPTION_OPTIONS"), b.tariffKeyboard())
}

func (b *Bot) handleTariffChosen(ctx context.Context, cb *telegram.CallbackQuery, tariffKey string) {
	if _, ok := models.TariffByKey(tariffKey); !ok {
		return
	}
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "Crypto Bot", CallbackData: "method:cryptobot:" + tariffKey}},
		{{Text: "USDT TRC-20", CallbackData: "method:usdt:" + tariffKey}},
	}}
	b.send(ctx, cb.Message.Chat.ID, b.texts.Get("PAYMENT"), markup)
}

func (b *Bot) handleMethodChosen(ctx context.Context, cb *telegram.CallbackQuery, data string) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		b.answer(ctx, cb.ID, "")
		return
	}
	method, tariffKey := parts[0], parts[1]

	tariff, ok := models.TariffByKey(tariffKey)
	if !ok {
		b.answer(ctx, cb.ID, "")
		return
	}
	user, err := b.users.GetUser(ctx, cb.From.ID)
	if err != nil || user == nil {
		b.log.Error("failed to load user", sl.Err(err))
		b.answer(ctx, cb.ID, "Спробуйте пізніше")
		return
	}

	b.answer(ctx, cb.ID, "")

	// Start-метод блокируется до терминального статуса попытки; цикл
	// polling это не задерживает, обработчик уже в своей горутине.
	switch method {
	case "cryptobot":
		err = b.payments.StartInvoice(ctx, user, tariff)
	case "usdt":
		err = b.payments.StartOnChain(ctx, user, tariff)
	default:
		return
	}

	switch {
	case errors.Is(err, watcher.ErrPaymentInProgress):
		b.send(ctx, cb.Message.Chat.ID, b.texts.Get("PAYMENT_IN_PROGRESS"), nil)
	case errors.Is(err, watcher.ErrPoolExhausted):
		b.send(ctx, cb.Message.Chat.ID, b.texts.Get("PAYMENT_POOL_BUSY"), nil)
	case err != nil:
		b.log.Error("payment attempt failed to start", sl.Err(err))
		b.send(ctx, cb.Message.Chat.ID, b.texts.Get("PAYMENT_FAILED"), nil)
	}
}

func (b *Bot) handlePaymentCancel(ctx context.Context, cb *telegram.CallbackQuery) {
	if err := b.users.EndPayment(ctx, cb.From.ID); err != nil {
		b.log.Error("failed to cancel payment", sl.Err(err))
		b.answer(ctx, cb.ID, "Спробуйте пізніше")
		return
	}
	// Наблюдатель заметит снятый флаг на следующей итерации опроса.
	b.answer(ctx, cb.ID, "Скасовуємо оплату")
}
