// Package watcher ведёт платёжную попытку от создания до терминального
// статуса: pending → paid | canceled | timeout. Административная выдача
// времени минует цикл ожидания и сразу получает статус applied.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/cryptopay"
	"github.com/alfredwatch/gatekeeper/internal/events"
	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/storage/repository"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
	"github.com/alfredwatch/gatekeeper/internal/tron"
)

// ErrPaymentInProgress другая попытка этого пользователя ещё не завершена.
var ErrPaymentInProgress = fmt.Errorf("payment already in progress")

// ErrPoolExhausted в пуле не осталось свободных адресов.
var ErrPoolExhausted = fmt.Errorf("address pool exhausted")

// UserStore определяет методы хранилища для состояния пользователя.
type UserStore interface {
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	// TryBeginPayment атомарно захватывает платёжный флаг пользователя.
	TryBeginPayment(ctx context.Context, telegramID int64) (bool, error)
	EndPayment(ctx context.Context, telegramID int64) error
	// ExtendSubscription пишет новую дату окончания, открывает доступ
	// и сбрасывает отметки.
	ExtendSubscription(ctx context.Context, telegramID int64, normalizedEnd string) error
}

// PaymentStore определяет методы журнала платежей.
type PaymentStore interface {
	CreatePaymentAttempt(ctx context.Context, attempt models.PaymentAttempt) (int64, error)
	UpdatePaymentAttempt(ctx context.Context, id int64, upd repository.PaymentUpdate) error
	UpdatePaymentStatus(ctx context.Context, id int64, status string) error
}

// AddressPool определяет методы пула он-чейн адресов.
type AddressPool interface {
	ClaimFreeAddress(ctx context.Context) (string, error)
	ReleaseAddress(ctx context.Context, address string) error
}

// InvoiceProvider создает и опрашивает счета Crypto Pay.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, amount float64, payload, description string) (*cryptopay.Invoice, string, error)
	GetInvoice(ctx context.Context, invoiceID int64) (*cryptopay.Invoice, string, error)
}

// ChainScanner ищет входящий перевод на адрес в блокчейне.
type ChainScanner interface {
	FindIncomingTransfer(ctx context.Context, address string, minAmount float64, since time.Time) (*tron.Transfer, error)
}

// Notifier отправляет сообщения пользователю.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
}

// Watcher наблюдает за платёжными попытками.
type Watcher struct {
	users    UserStore
	payments PaymentStore
	pool     AddressPool
	invoices InvoiceProvider
	chain    ChainScanner
	notifier Notifier
	texts    *texts.Provider
	audit    *events.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	cfg      config.Watcher
	tron     config.Tron
	flags    config.Flags
}

// New создает новый экземпляр Watcher.
func New(
	users UserStore,
	payments PaymentStore,
	pool AddressPool,
	invoices InvoiceProvider,
	chain ChainScanner,
	notifier Notifier,
	provider *texts.Provider,
	audit *events.Publisher,
	m *metrics.Metrics,
	log *slog.Logger,
	cfg config.Watcher,
	tronCfg config.Tron,
	flags config.Flags,
) *Watcher {
	return &Watcher{
		users:    users,
		payments: payments,
		pool:     pool,
		invoices: invoices,
		chain:    chain,
		notifier: notifier,
		texts:    provider,
		audit:    audit,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		tron:     tronCfg,
		flags:    flags,
	}
}

// StartInvoice открывает попытку оплаты через Crypto Pay и ждёт
// подтверждения счёта. Блокируется до терминального статуса.
func (w *Watcher) StartInvoice(ctx context.Context, user *models.User, tariff models.Tariff) error {
	const op = "watcher.StartInvoice"

	ok, err := w.users.TryBeginPayment(ctx, user.TelegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return ErrPaymentInProgress
	}

	payload := uuid.NewString()
	description := fmt.Sprintf("Subscription for %d: %s", user.TelegramID, tariff.Key)
	invoice, raw, err := w.invoices.CreateInvoice(ctx, tariff.Amount, payload, description)
	if err != nil {
		if endErr := w.users.EndPayment(ctx, user.TelegramID); endErr != nil {
			w.log.Error("failed to release payment flag", sl.Err(endErr))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	attemptID, err := w.payments.CreatePaymentAttempt(ctx, models.PaymentAttempt{
		TelegramID:         user.TelegramID,
		Method:             models.MethodInvoice,
		Plan:               tariff.Key,
		Amount:             tariff.Amount,
		Status:             models.StatusPending,
		ProviderInvoiceID:  fmt.Sprintf("%d", invoice.InvoiceID),
		PayURL:             invoice.PayURL,
		Username:           user.Username,
		FirstName:          user.FirstName,
		OldSubscriptionEnd: user.SubscriptionEnd,
		Payload:            payload,
		Description:        description,
		RawResponse:        raw,
	})
	if err != nil {
		if endErr := w.users.EndPayment(ctx, user.TelegramID); endErr != nil {
			w.log.Error("failed to release payment flag", sl.Err(endErr))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := w.texts.Render("PAYMENT_CRYPTO_BOT", map[string]string{
		"amount": fmt.Sprintf("%g", tariff.Amount),
	})
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "Оплатити", URL: invoice.PayURL}},
		{{Text: "Скасувати", CallbackData: "payment_cancel"}},
	}}
	if err := w.notifier.SendMessage(ctx, user.TelegramID, msg, markup); err != nil {
		w.log.Error("failed to send invoice message", sl.Err(err))
	}

	w.awaitAttempt(ctx, attemptID, user, tariff, models.MethodInvoice, w.cfg.InvoiceIterations, func(ctx context.Context) (*confirmation, error) {
		inv, raw, err := w.invoices.GetInvoice(ctx, invoice.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv == nil || inv.Status != cryptopay.InvoiceStatusPaid {
			return nil, nil
		}
		var paidAt *time.Time
		if ts, parseErr := time.Parse(time.RFC3339, inv.PaidAt); parseErr == nil {
			paidAt = &ts
		}
		return &confirmation{raw: raw, paidAt: paidAt}, nil
	})
	return nil
}

// StartOnChain открывает попытку оплаты прямым переводом USDT TRC-20.
// Захватывает свободный адрес из пула и ждёт входящего перевода на него.
// Блокируется до терминального статуса.
func (w *Watcher) StartOnChain(ctx context.Context, user *models.User, tariff models.Tariff) error {
	const op = "watcher.StartOnChain"

	ok, err := w.users.TryBeginPayment(ctx, user.TelegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return ErrPaymentInProgress
	}

	release := func() {
		if err := w.users.EndPayment(ctx, user.TelegramID); err != nil {
			w.log.Error("failed to release payment flag", sl.Err(err))
		}
	}

	// Флаг переводит все он-чейн платежи на фиксированный адрес,
	// минуя пул. Такой адрес в пул не возвращается.
	address := w.tron.FallbackAddress
	if !w.flags.InterceptOnChain {
		address, err = w.pool.ClaimFreeAddress(ctx)
		if err != nil {
			release()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	// Пустой пул — отказ: две попытки на общем адресе не различат,
	// чей перевод пришёл, и один платёж зачтётся дважды.
	if address == "" {
		release()
		return ErrPoolExhausted
	}

	since := time.Now()
	attemptID, err := w.payments.CreatePaymentAttempt(ctx, models.PaymentAttempt{
		TelegramID:         user.TelegramID,
		Method:             models.MethodOnChain,
		Plan:               tariff.Key,
		Amount:             tariff.Amount,
		Status:             models.StatusPending,
		WalletAddress:      address,
		Username:           user.Username,
		FirstName:          user.FirstName,
		OldSubscriptionEnd: user.SubscriptionEnd,
		Payload:            uuid.NewString(),
	})
	if err != nil {
		w.releaseAddress(address)
		release()
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := w.texts.Render("PAYMENT_CRYPTO", map[string]string{
		"address": address,
		"amount":  fmt.Sprintf("%g", tariff.Amount),
	})
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "Скасувати", CallbackData: "payment_cancel"}},
	}}
	if err := w.notifier.SendMessage(ctx, user.TelegramID, msg, markup); err != nil {
		w.log.Error("failed to send wallet message", sl.Err(err))
	}

	defer w.releaseAddress(address)

	w.awaitAttempt(ctx, attemptID, user, tariff, models.MethodOnChain, w.cfg.OnChainIterations, func(ctx context.Context) (*confirmation, error) {
		tr, err := w.chain.FindIncomingTransfer(ctx, address, tariff.Amount, since)
		if err != nil {
			return nil, err
		}
		if tr == nil {
			return nil, nil
		}
		ts := tr.Timestamp
		return &confirmation{
			raw:    tr.Raw,
			paidAt: &ts,
			txHash: tr.TxID,
			txFrom: tr.From,
			txTo:   tr.To,
			txVal:  tr.Value,
		}, nil
	})
	return nil
}

// AdminGrant применяет административную выдачу времени: записывает попытку
// со статусом applied и продлевает подписку без ожидания подтверждения.
func (w *Watcher) AdminGrant(ctx context.Context, adminID int64, adminName string, user *models.User, newEnd time.Time) error {
	const op = "watcher.AdminGrant"

	normalized := subtime.Normalize(newEnd)
	_, err := w.payments.CreatePaymentAttempt(ctx, models.PaymentAttempt{
		TelegramID:         user.TelegramID,
		Method:             models.MethodAdminGrant,
		Status:             models.StatusApplied,
		Username:           user.Username,
		FirstName:          user.FirstName,
		AdminID:            adminID,
		AdminName:          adminName,
		OldSubscriptionEnd: user.SubscriptionEnd,
		NewSubscriptionEnd: normalized,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := w.users.ExtendSubscription(ctx, user.TelegramID, normalized); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	w.metrics.PaymentsTotal.WithLabelValues(models.MethodAdminGrant, models.StatusApplied).Inc()
	if w.flags.AuditEvents {
		w.audit.Publish(events.KeyPayment, events.PaymentEvent{
			TelegramID: user.TelegramID,
			Method:     models.MethodAdminGrant,
			Status:     models.StatusApplied,
			At:         time.Now(),
		})
	}
	return nil
}

// confirmation данные подтверждённого платежа, собранные источником.
type confirmation struct {
	raw    string
	paidAt *time.Time
	txHash string
	txFrom string
	txTo   string
	txVal  float64
}

// checkFunc опрашивает внешний источник подтверждения. nil, nil — оплаты
// ещё нет.
type checkFunc func(ctx context.Context) (*confirmation, error)

// awaitAttempt крутит цикл опроса до терминального статуса. Гарантия в
// defer: что бы ни случилось внутри цикла, платёжный флаг снят, а
// попытка не осталась в pending.
func (w *Watcher) awaitAttempt(ctx context.Context, attemptID int64, user *models.User, tariff models.Tariff, method string, iterations int, check checkFunc) {
	log := w.log.With(
		slog.Int64("attempt_id", attemptID),
		slog.Int64("user_id", user.TelegramID),
	)

	terminal := ""
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in payment loop", slog.Any("panic", r))
		}
		if terminal == "" {
			terminal = models.StatusCanceled
			if err := w.payments.UpdatePaymentStatus(context.WithoutCancel(ctx), attemptID, models.StatusCanceled); err != nil {
				log.Error("failed to force canceled status", sl.Err(err))
			}
		}
		if err := w.users.EndPayment(context.WithoutCancel(ctx), user.TelegramID); err != nil {
			log.Error("failed to release payment flag", sl.Err(err))
		}
		w.metrics.PaymentsTotal.WithLabelValues(method, terminal).Inc()
		log.Info("payment attempt finished", slog.String("status", terminal))
	}()

	for i := 0; i < iterations; i++ {
		conf, err := check(ctx)
		if err != nil {
			log.Error("confirmation source check failed", sl.Err(err))
		}
		if conf != nil {
			if err := w.applyPaid(ctx, attemptID, user, tariff, conf); err != nil {
				// Попытка не достигла терминального статуса своим путём,
				// defer принудительно закроет её как canceled.
				log.Error("failed to apply paid attempt", sl.Err(err))
				return
			}
			terminal = models.StatusPaid
			w.publishTerminal(attemptID, user, tariff, method, models.StatusPaid)
			return
		}

		// Снятый извне флаг означает отмену пользователем или оператором.
		fresh, err := w.users.GetUser(ctx, user.TelegramID)
		if err != nil {
			log.Error("failed to re-read user", sl.Err(err))
		} else if fresh != nil && !fresh.PaymentInProgress {
			terminal = models.StatusCanceled
			if err := w.payments.UpdatePaymentStatus(ctx, attemptID, models.StatusCanceled); err != nil {
				log.Error("failed to mark attempt canceled", sl.Err(err))
			}
			w.sendText(ctx, user.TelegramID, "PAYMENT_CANCELED", nil)
			w.publishTerminal(attemptID, user, tariff, method, models.StatusCanceled)
			return
		}

		select {
		case <-ctx.Done():
			terminal = models.StatusCanceled
			if err := w.payments.UpdatePaymentStatus(context.WithoutCancel(ctx), attemptID, models.StatusCanceled); err != nil {
				log.Error("failed to mark attempt canceled", sl.Err(err))
			}
			w.publishTerminal(attemptID, user, tariff, method, models.StatusCanceled)
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}

	terminal = models.StatusTimeout
	if err := w.payments.UpdatePaymentStatus(ctx, attemptID, models.StatusTimeout); err != nil {
		log.Error("failed to mark attempt timed out", sl.Err(err))
	}
	w.sendText(ctx, user.TelegramID, "PAYMENT_TIMEOUT", nil)
	w.publishTerminal(attemptID, user, tariff, method, models.StatusTimeout)
}

// applyPaid продлевает подписку от большего из (сейчас, текущее окончание)
// и фиксирует попытку как paid с полным следом транзакции.
func (w *Watcher) applyPaid(ctx context.Context, attemptID int64, user *models.User, tariff models.Tariff, conf *confirmation) error {
	const op = "watcher.applyPaid"

	// База берётся из актуальной записи, не из снимка на старте попытки:
	// за время опроса окончание могли сдвинуть вперёд (администратор,
	// откат свипа), и продление не должно его укоротить.
	currentEnd := user.SubscriptionEnd
	if fresh, err := w.users.GetUser(ctx, user.TelegramID); err != nil {
		w.log.Error("failed to re-read user before extension", sl.Err(err))
	} else if fresh != nil {
		currentEnd = fresh.SubscriptionEnd
	}

	base := time.Now().In(subtime.Kyiv)
	if current, ok := subtime.Parse(currentEnd); ok && current.After(base) {
		base = current
	}
	newEnd := base.AddDate(0, tariff.Months, 0)
	normalized := subtime.Normalize(newEnd)

	if err := w.users.ExtendSubscription(ctx, user.TelegramID, normalized); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	status := models.StatusPaid
	paidAt := conf.paidAt
	if paidAt == nil {
		now := time.Now()
		paidAt = &now
	}
	upd := repository.PaymentUpdate{
		Status:             &status,
		NewSubscriptionEnd: &normalized,
		PaidAt:             paidAt,
	}
	if conf.raw != "" {
		upd.RawResponse = &conf.raw
	}
	if conf.txHash != "" {
		upd.TxHash = &conf.txHash
		upd.TxFrom = &conf.txFrom
		upd.TxTo = &conf.txTo
		upd.TxValue = &conf.txVal
		upd.TxTimestamp = conf.paidAt
	}
	if err := w.payments.UpdatePaymentAttempt(ctx, attemptID, upd); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	w.sendText(ctx, user.TelegramID, "SUBSCRIPTION_EXTENDED", map[string]string{
		"end": normalized,
	})
	return nil
}

func (w *Watcher) publishTerminal(attemptID int64, user *models.User, tariff models.Tariff, method, status string) {
	if !w.flags.AuditEvents {
		return
	}
	w.audit.Publish(events.KeyPayment, events.PaymentEvent{
		AttemptID:  attemptID,
		TelegramID: user.TelegramID,
		Method:     method,
		Status:     status,
		Amount:     tariff.Amount,
		At:         time.Now(),
	})
}

func (w *Watcher) releaseAddress(address string) {
	if address == "" || address == w.tron.FallbackAddress {
		return
	}
	if err := w.pool.ReleaseAddress(context.Background(), address); err != nil {
		w.log.Error("failed to release pool address",
			slog.String("address", address), sl.Err(err))
	}
}

func (w *Watcher) sendText(ctx context.Context, chatID int64, key string, values map[string]string) {
	text := w.texts.Render(key, values)
	if err := w.notifier.SendMessage(ctx, chatID, text, nil); err != nil {
		w.log.Error("failed to send message", slog.String("template", key), sl.Err(err))
	}
}
