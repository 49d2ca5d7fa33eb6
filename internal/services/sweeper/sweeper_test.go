package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/events"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/services/enforcer"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
)

type UserStoreMock struct{ mock.Mock }

func (m *UserStoreMock) GetUsersByRole(ctx context.Context, role string) ([]*models.User, error) {
	args := m.Called(ctx, role)
	users, _ := args.Get(0).([]*models.User)
	return users, args.Error(1)
}

func (m *UserStoreMock) SaveMarks(ctx context.Context, telegramID int64, marks models.MarkSet) error {
	return m.Called(ctx, telegramID, marks).Error(0)
}

func (m *UserStoreMock) ClearAccess(ctx context.Context, telegramID int64) error {
	return m.Called(ctx, telegramID).Error(0)
}

func (m *UserStoreMock) ExtendSubscription(ctx context.Context, telegramID int64, normalizedEnd string) error {
	return m.Called(ctx, telegramID, normalizedEnd).Error(0)
}

type EnforcerMock struct{ mock.Mock }

func (m *EnforcerMock) EnforceAbsence(ctx context.Context, userID int64) (enforcer.Outcome, error) {
	args := m.Called(ctx, userID)
	out, _ := args.Get(0).(enforcer.Outcome)
	return out, args.Error(1)
}

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	return m.Called(ctx, chatID, text, markup).Error(0)
}

var fixedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, subtime.Kyiv)

func newSweeper(t *testing.T) (*Sweeper, *UserStoreMock, *EnforcerMock, *NotifierMock) {
	t.Helper()
	users := new(UserStoreMock)
	enf := new(EnforcerMock)
	notifier := new(NotifierMock)
	provider := texts.FromMap(map[string]string{
		"IN_5_DAYS":   "Залишилось 5 днів, {name}",
		"IN_3_DAYS":   "Залишилось 3 дні, {name}",
		"IN_2_DAYS":   "Залишилось 2 дні, {name}",
		"IN_1_DAY":    "Залишився 1 день, {name}",
		"IN_12_HOURS": "Залишилось 12 годин, {name}",
		"KICK":        "Доступ закрито, {name}",
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(users, enf, notifier, provider, events.NewPublisher(nil, log), metrics.New(), log,
		config.Sweeper{SweepInterval: time.Minute, GraceDays: 5}, config.Flags{})
	s.now = func() time.Time { return fixedNow }
	return s, users, enf, notifier
}

func userEndingIn(d time.Duration) *models.User {
	return &models.User{
		TelegramID:      100,
		FirstName:       "Bob",
		Role:            models.RoleUser,
		AccessGranted:   true,
		SubscriptionEnd: subtime.Normalize(fixedNow.Add(d)),
		NotifiedMarks:   models.MarkSet{},
	}
}

func TestSweepOnce_WarningStages(t *testing.T) {
	tests := []struct {
		name         string
		user         *models.User
		expectedMark string
	}{
		{
			name:         "4.5 дня до конца: первая стадия",
			user:         userEndingIn(108 * time.Hour),
			expectedMark: "5",
		},
		{
			name: "2.5 дня, ранние стадии уже отмечены",
			user: func() *models.User {
				u := userEndingIn(60 * time.Hour)
				u.NotifiedMarks.Add("5")
				u.NotifiedMarks.Add("3")
				return u
			}(),
			expectedMark: "2",
		},
		{
			name:         "8 часов без отметок: только наименее срочная стадия",
			user:         userEndingIn(8 * time.Hour),
			expectedMark: "5",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, users, enf, notifier := newSweeper(t)
			users.On("GetUsersByRole", mock.Anything, models.RoleUser).
				Return([]*models.User{tc.user}, nil)
			notifier.On("SendMessage", mock.Anything, int64(100), mock.Anything, mock.Anything).
				Return(nil).Once()
			users.On("SaveMarks", mock.Anything, int64(100), mock.MatchedBy(func(m models.MarkSet) bool {
				return m.Has(tc.expectedMark)
			})).Return(nil)

			err := s.SweepOnce(context.Background())

			require.NoError(t, err)
			users.AssertExpectations(t)
			notifier.AssertExpectations(t)
			enf.AssertNotCalled(t, "EnforceAbsence", mock.Anything, mock.Anything)
		})
	}
}

func TestSweepOnce_DeliveryFailureKeepsMarkUnset(t *testing.T) {
	s, users, _, notifier := newSweeper(t)
	user := userEndingIn(108 * time.Hour)

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{user}, nil)
	notifier.On("SendMessage", mock.Anything, int64(100), mock.Anything, mock.Anything).
		Return(errors.New("flood wait"))

	err := s.SweepOnce(context.Background())

	require.NoError(t, err)
	// Отметка не записана, стадия повторится следующим циклом.
	users.AssertNotCalled(t, "SaveMarks", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepOnce_ExpiredFullSuccess(t *testing.T) {
	s, users, enf, notifier := newSweeper(t)
	user := userEndingIn(-2 * time.Hour)

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{user}, nil)
	enf.On("EnforceAbsence", mock.Anything, int64(100)).
		Return(enforcer.Outcome{Total: 2, Removed: 2}, nil)
	users.On("ClearAccess", mock.Anything, int64(100)).Return(nil)
	notifier.On("SendMessage", mock.Anything, int64(100), "Доступ закрито, Bob", mock.Anything).Return(nil)

	err := s.SweepOnce(context.Background())

	require.NoError(t, err)
	users.AssertExpectations(t)
	enf.AssertExpectations(t)
	users.AssertNotCalled(t, "ExtendSubscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepOnce_ExpiredPartialFailureRollsBack(t *testing.T) {
	s, users, enf, _ := newSweeper(t)
	user := userEndingIn(-2 * time.Hour)
	expectedEnd := subtime.Normalize(fixedNow.AddDate(0, 0, 5))

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{user}, nil)
	enf.On("EnforceAbsence", mock.Anything, int64(100)).
		Return(enforcer.Outcome{Total: 2, Removed: 1, Failed: 1}, nil)
	users.On("ExtendSubscription", mock.Anything, int64(100), expectedEnd).Return(nil)

	err := s.SweepOnce(context.Background())

	require.NoError(t, err)
	// Доступ не снят: следующий цикл повторит выселение.
	users.AssertNotCalled(t, "ClearAccess", mock.Anything, mock.Anything)
	users.AssertCalled(t, "ExtendSubscription", mock.Anything, int64(100), expectedEnd)
}

func TestSweepOnce_RevokedUserGetsNoStages(t *testing.T) {
	s, users, enf, notifier := newSweeper(t)
	// Просроченный и уже выселенный: отметки сброшены ClearAccess, дата
	// позади — дни до конца попадают под все пороги сразу.
	user := userEndingIn(-48 * time.Hour)
	user.AccessGranted = false

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{user}, nil)

	err := s.SweepOnce(context.Background())

	require.NoError(t, err)
	// Ни предупреждений, ни повторного выселения, ни новых отметок.
	notifier.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	users.AssertNotCalled(t, "SaveMarks", mock.Anything, mock.Anything, mock.Anything)
	enf.AssertNotCalled(t, "EnforceAbsence", mock.Anything, mock.Anything)
}

func TestSweepOnce_UnparseableEndIsolated(t *testing.T) {
	s, users, enf, notifier := newSweeper(t)
	broken := &models.User{TelegramID: 1, Role: models.RoleUser, AccessGranted: true, SubscriptionEnd: "скоро"}
	healthy := userEndingIn(108 * time.Hour)
	healthy.TelegramID = 2

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{broken, healthy}, nil)
	notifier.On("SendMessage", mock.Anything, int64(2), mock.Anything, mock.Anything).Return(nil)
	users.On("SaveMarks", mock.Anything, int64(2), mock.Anything).Return(nil)

	err := s.SweepOnce(context.Background())

	require.NoError(t, err)
	enf.AssertNotCalled(t, "EnforceAbsence", mock.Anything, mock.Anything)
	users.AssertCalled(t, "SaveMarks", mock.Anything, int64(2), mock.Anything)
}

func TestKickExpiredOnce(t *testing.T) {
	s, users, enf, notifier := newSweeper(t)

	expired := userEndingIn(-72 * time.Hour)
	expired.TelegramID = 1
	// Отметки не имеют значения для стартового прохода.
	expired.NotifiedMarks.Add(models.MarkExpired)

	active := userEndingIn(240 * time.Hour)
	active.TelegramID = 2

	alreadyClosed := userEndingIn(-72 * time.Hour)
	alreadyClosed.TelegramID = 3
	alreadyClosed.AccessGranted = false

	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return([]*models.User{expired, active, alreadyClosed}, nil)
	enf.On("EnforceAbsence", mock.Anything, int64(1)).
		Return(enforcer.Outcome{Total: 1, Removed: 1}, nil)
	users.On("ClearAccess", mock.Anything, int64(1)).Return(nil)
	notifier.On("SendMessage", mock.Anything, int64(1), mock.Anything, mock.Anything).Return(nil)

	err := s.KickExpiredOnce(context.Background())

	require.NoError(t, err)
	enf.AssertNumberOfCalls(t, "EnforceAbsence", 1)
	users.AssertCalled(t, "ClearAccess", mock.Anything, int64(1))
}

func TestSweepOnce_StorageError(t *testing.T) {
	s, users, _, _ := newSweeper(t)
	users.On("GetUsersByRole", mock.Anything, models.RoleUser).
		Return(nil, errors.New("connection refused"))

	err := s.SweepOnce(context.Background())

	assert.Error(t, err)
}
