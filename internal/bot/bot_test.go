package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
)

type APIMock struct{ mock.Mock }

func (m *APIMock) SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	return m.Called(ctx, chatID, text, markup).Error(0)
}

func (m *APIMock) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return m.Called(ctx, callbackID, text).Error(0)
}

func (m *APIMock) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error) {
	args := m.Called(ctx, offset, timeout)
	updates, _ := args.Get(0).([]telegram.Update)
	return updates, args.Error(1)
}

func (m *APIMock) GetChat(ctx context.Context, chatID int64) (*telegram.Chat, error) {
	args := m.Called(ctx, chatID)
	chat, _ := args.Get(0).(*telegram.Chat)
	return chat, args.Error(1)
}

func (m *APIMock) GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error) {
	args := m.Called(ctx, chatID, userID)
	member, _ := args.Get(0).(*telegram.ChatMember)
	return member, args.Error(1)
}

func (m *APIMock) GetMe(ctx context.Context) (*telegram.TgUser, error) {
	args := m.Called(ctx)
	me, _ := args.Get(0).(*telegram.TgUser)
	return me, args.Error(1)
}

type UserStoreMock struct{ mock.Mock }

func (m *UserStoreMock) AddUser(ctx context.Context, telegramID int64, username, firstName string) error {
	return m.Called(ctx, telegramID, username, firstName).Error(0)
}

func (m *UserStoreMock) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	args := m.Called(ctx, telegramID)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *UserStoreMock) SetRole(ctx context.Context, telegramID int64, role string) (int, error) {
	args := m.Called(ctx, telegramID, role)
	return args.Int(0), args.Error(1)
}

func (m *UserStoreMock) AddPlan(ctx context.Context, telegramID int64, plan string) error {
	return m.Called(ctx, telegramID, plan).Error(0)
}

func (m *UserStoreMock) SetAccessGranted(ctx context.Context, telegramID int64, granted bool) error {
	return m.Called(ctx, telegramID, granted).Error(0)
}

func (m *UserStoreMock) EndPayment(ctx context.Context, telegramID int64) error {
	return m.Called(ctx, telegramID).Error(0)
}

type RegistryMock struct{ mock.Mock }

func (m *RegistryMock) ListChannels(ctx context.Context) ([]models.Channel, error) {
	args := m.Called(ctx)
	channels, _ := args.Get(0).([]models.Channel)
	return channels, args.Error(1)
}

func (m *RegistryMock) Invalidate(ctx context.Context) {
	m.Called(ctx)
}

type AdminStoreMock struct{ mock.Mock }

func (m *AdminStoreMock) AddChannel(ctx context.Context, channel models.Channel) error {
	return m.Called(ctx, channel).Error(0)
}

func (m *AdminStoreMock) RemoveChannel(ctx context.Context, channelID int64) (int, error) {
	args := m.Called(ctx, channelID)
	return args.Int(0), args.Error(1)
}

func (m *AdminStoreMock) AddPoolAddress(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

type PaymentsMock struct{ mock.Mock }

func (m *PaymentsMock) StartInvoice(ctx context.Context, user *models.User, tariff models.Tariff) error {
	return m.Called(ctx, user, tariff).Error(0)
}

func (m *PaymentsMock) StartOnChain(ctx context.Context, user *models.User, tariff models.Tariff) error {
	return m.Called(ctx, user, tariff).Error(0)
}

func (m *PaymentsMock) AdminGrant(ctx context.Context, adminID int64, adminName string, user *models.User, newEnd time.Time) error {
	return m.Called(ctx, adminID, adminName, user, newEnd).Error(0)
}

type GranterMock struct{ mock.Mock }

func (m *GranterMock) GrantAccess(ctx context.Context, userID int64, plans []string) ([]string, []string) {
	args := m.Called(ctx, userID, plans)
	links, _ := args.Get(0).([]string)
	missing, _ := args.Get(1).([]string)
	return links, missing
}

type botDeps struct {
	api      *APIMock
	users    *UserStoreMock
	registry *RegistryMock
	channels *AdminStoreMock
	payments *PaymentsMock
	granter  *GranterMock
}

func newBot(t *testing.T) (*Bot, *botDeps) {
	t.Helper()
	d := &botDeps{
		api:      new(APIMock),
		users:    new(UserStoreMock),
		registry: new(RegistryMock),
		channels: new(AdminStoreMock),
		payments: new(PaymentsMock),
		granter:  new(GranterMock),
	}
	provider := texts.FromMap(map[string]string{
		"START":                "Вітаю, {name}",
		"SUBSCRIPTION_OPTIONS": "Оберіть термін",
		"PAYMENT":              "Оберіть спосіб оплати",
		"ACCESS_IS_AVAILABLE":  "Доступ відкрито до {end}",
		"ADD_NEW_PLAN":         "Вам відкрито канал {plan}",
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(d.api, d.users, d.registry, d.channels, d.payments, d.granter,
		provider, log, config.Telegram{PollTimeout: time.Second})
	b.botID = 42
	return b, d
}

func command(from int64, text string) *telegram.Message {
	return &telegram.Message{
		From: &telegram.TgUser{ID: from, Username: "someone", FirstName: "Хтось"},
		Chat: telegram.Chat{ID: from},
		Text: text,
	}
}

func TestHandleStart(t *testing.T) {
	b, d := newBot(t)
	msg := command(100, "/start")

	d.users.On("AddUser", mock.Anything, int64(100), "someone", "Хтось").Return(nil)
	d.api.On("SendMessage", mock.Anything, int64(100), "Вітаю, Хтось", mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	d.users.AssertExpectations(t)
	d.api.AssertExpectations(t)
}

func TestAdminCommands_RoleGated(t *testing.T) {
	b, d := newBot(t)
	msg := command(100, "/add_channel -1001 test")

	d.users.On("GetUser", mock.Anything, int64(100)).
		Return(&models.User{TelegramID: 100, Role: models.RoleUser}, nil)

	b.handleMessage(context.Background(), msg)

	// Обычному пользователю админские команды недоступны и неответны.
	d.api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	d.channels.AssertNotCalled(t, "AddChannel", mock.Anything, mock.Anything)
}

func TestAddChannel_RequiresBotAdmin(t *testing.T) {
	b, d := newBot(t)
	msg := command(1, "/add_channel -1001 канал новин")

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Role: models.RoleAdmin}, nil)
	d.api.On("GetChat", mock.Anything, int64(-1001)).Return(&telegram.Chat{ID: -1001}, nil)
	d.api.On("GetChatMember", mock.Anything, int64(-1001), int64(42)).
		Return(&telegram.ChatMember{Status: telegram.MemberStatusMember}, nil)
	d.api.On("SendMessage", mock.Anything, int64(1), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "адміністратором")
	}), mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	d.channels.AssertNotCalled(t, "AddChannel", mock.Anything, mock.Anything)
}

func TestAddChannel_Success(t *testing.T) {
	b, d := newBot(t)
	msg := command(1, "/add_channel -1001 канал новин")

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Role: models.RoleAdmin}, nil)
	d.api.On("GetChat", mock.Anything, int64(-1001)).Return(&telegram.Chat{ID: -1001}, nil)
	d.api.On("GetChatMember", mock.Anything, int64(-1001), int64(42)).
		Return(&telegram.ChatMember{Status: telegram.MemberStatusAdministrator}, nil)
	d.channels.On("AddChannel", mock.Anything, models.Channel{ID: -1001, Name: "канал новин"}).Return(nil)
	d.registry.On("Invalidate", mock.Anything).Return()
	d.api.On("SendMessage", mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	d.channels.AssertExpectations(t)
	d.registry.AssertCalled(t, "Invalidate", mock.Anything)
}

func TestAddAddress(t *testing.T) {
	b, d := newBot(t)
	address := "TXk9zq5oMvZDJyTUoYa1oAM6nSBCE2DPPx"

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Role: models.RoleAdmin}, nil)
	d.channels.On("AddPoolAddress", mock.Anything, address).Return(nil)
	d.api.On("SendMessage", mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	b.handleMessage(context.Background(), command(1, "/add_address "+address))

	d.channels.AssertExpectations(t)

	// невалидная строка не должна доходить до хранилища
	b.handleMessage(context.Background(), command(1, "/add_address not-an-address"))
	d.channels.AssertNumberOfCalls(t, "AddPoolAddress", 1)
}

func TestAddPlan_OpensAccess(t *testing.T) {
	b, d := newBot(t)
	msg := command(1, "/add_plan 100 новини")

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Role: models.RoleAdmin}, nil)
	d.users.On("AddPlan", mock.Anything, int64(100), "новини").Return(nil)
	d.users.On("SetAccessGranted", mock.Anything, int64(100), true).Return(nil)
	d.granter.On("GrantAccess", mock.Anything, int64(100), []string{"новини"}).
		Return([]string{"https://t.me/+invite"}, []string(nil))
	d.api.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	// План без открытого членства оставил бы выселение недостижимым.
	d.users.AssertCalled(t, "SetAccessGranted", mock.Anything, int64(100), true)
	d.granter.AssertExpectations(t)
}

func TestAddTime_RelativeFromFutureEnd(t *testing.T) {
	b, d := newBot(t)
	msg := command(1, "/add_time 100 +7d")

	currentEnd := time.Now().In(subtime.Kyiv).AddDate(0, 0, 10)
	target := &models.User{TelegramID: 100, SubscriptionEnd: subtime.Normalize(currentEnd)}

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Username: "root", Role: models.RoleAdmin}, nil)
	d.users.On("GetUser", mock.Anything, int64(100)).Return(target, nil)

	d.payments.On("AdminGrant", mock.Anything, int64(1), "root", target, mock.MatchedBy(func(end time.Time) bool {
		parsed, _ := subtime.Parse(target.SubscriptionEnd)
		return end.Equal(parsed.AddDate(0, 0, 7))
	})).Return(nil)
	d.api.On("SendMessage", mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	d.payments.AssertExpectations(t)
}

func TestAddTime_RejectsPast(t *testing.T) {
	b, d := newBot(t)
	msg := command(1, "/add_time 100 2020-01-01 12:00:00")

	d.users.On("GetUser", mock.Anything, int64(1)).
		Return(&models.User{TelegramID: 1, Role: models.RoleAdmin}, nil)
	d.users.On("GetUser", mock.Anything, int64(100)).
		Return(&models.User{TelegramID: 100}, nil)
	d.api.On("SendMessage", mock.Anything, int64(1), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "майбутньому")
	}), mock.Anything).Return(nil)

	b.handleMessage(context.Background(), msg)

	d.payments.AssertNotCalled(t, "AdminGrant",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckSubscription_Active(t *testing.T) {
	b, d := newBot(t)
	end := subtime.Normalize(time.Now().In(subtime.Kyiv).AddDate(0, 0, 10))
	cb := &telegram.CallbackQuery{
		ID:      "cb1",
		From:    telegram.TgUser{ID: 100},
		Message: &telegram.Message{Chat: telegram.Chat{ID: 100}},
		Data:    "check_subscription",
	}

	d.api.On("AnswerCallbackQuery", mock.Anything, "cb1", "").Return(nil)
	d.users.On("GetUser", mock.Anything, int64(100)).Return(&models.User{
		TelegramID:      100,
		AccessGranted:   true,
		SubscriptionEnd: end,
		Plans:           []string{"alpha"},
	}, nil)
	d.granter.On("GrantAccess", mock.Anything, int64(100), []string{"alpha"}).
		Return([]string{"https://t.me/+alpha"}, nil)
	d.api.On("SendMessage", mock.Anything, int64(100), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "https://t.me/+alpha")
	}), mock.Anything).Return(nil)

	b.handleCallback(context.Background(), cb)

	d.api.AssertExpectations(t)
}

func TestPaymentCancel(t *testing.T) {
	b, d := newBot(t)
	cb := &telegram.CallbackQuery{
		ID:      "cb2",
		From:    telegram.TgUser{ID: 100},
		Message: &telegram.Message{Chat: telegram.Chat{ID: 100}},
		Data:    "payment_cancel",
	}

	d.users.On("EndPayment", mock.Anything, int64(100)).Return(nil)
	d.api.On("AnswerCallbackQuery", mock.Anything, "cb2", "Скасовуємо оплату").Return(nil)

	b.handleCallback(context.Background(), cb)

	d.users.AssertExpectations(t)
	d.api.AssertExpectations(t)
}

func TestMethodChosen_UnknownTariffIgnored(t *testing.T) {
	b, d := newBot(t)
	cb := &telegram.CallbackQuery{
		ID:      "cb3",
		From:    telegram.TgUser{ID: 100},
		Message: &telegram.Message{Chat: telegram.Chat{ID: 100}},
		Data:    "method:cryptobot:lifetime",
	}

	d.api.On("AnswerCallbackQuery", mock.Anything, "cb3", "").Return(nil)

	b.handleCallback(context.Background(), cb)

	d.payments.AssertNotCalled(t, "StartInvoice", mock.Anything, mock.Anything, mock.Anything)
}
