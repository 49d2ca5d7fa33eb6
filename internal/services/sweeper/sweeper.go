// Package sweeper по расписанию проверяет окончания подписок: шлёт
// предупреждения по стадиям и выселяет просроченных пользователей.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/events"
	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/services/enforcer"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
	"github.com/alfredwatch/gatekeeper/internal/texts"
)

// stage порог предупреждения. Порог в днях до окончания, отметка и ключ
// шаблона сообщения.
type stage struct {
	threshold float64
	mark      string
	template  string
}

// stages идут от наименее срочной к самой срочной; за цикл пользователю
// срабатывает не больше одной. Терминальная стадия идёт последней.
var stages = []stage{
	{threshold: 5, mark: "5", template: "IN_5_DAYS"},
	{threshold: 3, mark: "3", template: "IN_3_DAYS"},
	{threshold: 2, mark: "2", template: "IN_2_DAYS"},
	{threshold: 1, mark: "1", template: "IN_1_DAY"},
	{threshold: 0.5, mark: "0.5", template: "IN_12_HOURS"},
	{threshold: 0, mark: models.MarkExpired, template: "KICK"},
}

// UserStore определяет методы хранилища для обхода пользователей.
type UserStore interface {
	GetUsersByRole(ctx context.Context, role string) ([]*models.User, error)
	SaveMarks(ctx context.Context, telegramID int64, marks models.MarkSet) error
	// ClearAccess снимает access_granted и сбрасывает отметки одним запросом.
	ClearAccess(ctx context.Context, telegramID int64) error
	// ExtendSubscription пишет новую дату окончания, открывает доступ
	// и сбрасывает отметки.
	ExtendSubscription(ctx context.Context, telegramID int64, normalizedEnd string) error
}

// AbsenceEnforcer выселяет пользователя из всех каналов.
type AbsenceEnforcer interface {
	EnforceAbsence(ctx context.Context, userID int64) (enforcer.Outcome, error)
}

// Notifier отправляет предупреждения пользователю.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
}

// Sweeper обходит пользователей с ролью user и двигает их по стадиям.
type Sweeper struct {
	users    UserStore
	enforcer AbsenceEnforcer
	notifier Notifier
	texts    *texts.Provider
	audit    *events.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      config.Sweeper
	flags    config.Flags

	now func() time.Time
}

// New создает новый экземпляр Sweeper.
func New(
	users UserStore,
	enf AbsenceEnforcer,
	notifier Notifier,
	provider *texts.Provider,
	audit *events.Publisher,
	m *metrics.Metrics,
	log *slog.Logger,
	cfg config.Sweeper,
	flags config.Flags,
) *Sweeper {
	return &Sweeper{
		users:    users,
		enforcer: enf,
		notifier: notifier,
		texts:    provider,
		audit:    audit,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		flags:    flags,
		now:      time.Now,
	}
}

// Run запускает бесконечный цикл проверки. Перед первым тиком выполняется
// разовый проход по уже просроченным пользователям: он закрывает окно,
// когда процесс был выключен весь период истечения.
func (s *Sweeper) Run(ctx context.Context) error {
	const op = "sweeper.Run"

	if err := s.KickExpiredOnce(ctx); err != nil {
		s.log.Error("startup sweep failed", sl.Err(err))
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.metrics.SweepFailures.Inc()
				s.log.Error("sweep cycle failed", sl.Err(err))
			}
		}
	}
}

// SweepOnce один цикл: по каждому пользователю срабатывает не больше
// одной стадии. Ошибка по одному пользователю не останавливает цикл.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	const op = "sweeper.SweepOnce"

	users, err := s.users.GetUsersByRole(ctx, models.RoleUser)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, user := range users {
		s.metrics.UsersProcessed.Inc()
		s.processUser(ctx, user)
	}

	s.metrics.SweepCycles.Inc()
	return nil
}

// KickExpiredOnce разовый проход по просроченным пользователям при
// старте. Отметки игнорируются: терминальная стадия применяется ко всем,
// у кого окончание уже позади, а доступ ещё открыт.
func (s *Sweeper) KickExpiredOnce(ctx context.Context) error {
	const op = "sweeper.KickExpiredOnce"

	users, err := s.users.GetUsersByRole(ctx, models.RoleUser)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, user := range users {
		end, ok := subtime.Parse(user.SubscriptionEnd)
		if !ok || !user.AccessGranted {
			continue
		}
		if subtime.DaysLeft(end, s.now().In(subtime.Kyiv)) > 0 {
			continue
		}
		s.runIsolated(user.TelegramID, func() {
			s.fireExpired(ctx, user)
		})
	}

	return nil
}

func (s *Sweeper) processUser(ctx context.Context, user *models.User) {
	s.runIsolated(user.TelegramID, func() {
		// Закрытый доступ исключает любые стадии: выселенный
		// пользователь не должен получать напоминания.
		if !user.AccessGranted {
			return
		}

		end, ok := subtime.Parse(user.SubscriptionEnd)
		if !ok {
			if user.SubscriptionEnd != "" {
				s.log.Warn("unparseable subscription end",
					slog.Int64("user_id", user.TelegramID),
					slog.String("raw", user.SubscriptionEnd))
			}
			return
		}

		daysLeft := subtime.DaysLeft(end, s.now().In(subtime.Kyiv))
		for _, st := range stages {
			if daysLeft > st.threshold {
				continue
			}
			if st.mark == models.MarkExpired {
				// Терминальная стадия повторяется до полного успеха:
				// отметка её не гасит.
				s.fireExpired(ctx, user)
				return
			}
			if user.NotifiedMarks.Has(st.mark) {
				continue
			}
			s.fireWarning(ctx, user, st)
			return
		}
	})
}

// fireWarning шлёт предупреждение и записывает отметку только после
// успешной отправки: несработавшая доставка повторится следующим циклом.
func (s *Sweeper) fireWarning(ctx context.Context, user *models.User, st stage) {
	text := s.texts.Render(st.template, map[string]string{
		"name": user.FirstName,
		"end":  user.SubscriptionEnd,
	})
	if err := s.notifier.SendMessage(ctx, user.TelegramID, text, nil); err != nil {
		s.log.Error("failed to send warning",
			slog.Int64("user_id", user.TelegramID),
			slog.String("mark", st.mark),
			sl.Err(err))
		return
	}

	user.NotifiedMarks.Add(st.mark)
	if err := s.users.SaveMarks(ctx, user.TelegramID, user.NotifiedMarks); err != nil {
		s.log.Error("failed to save marks",
			slog.Int64("user_id", user.TelegramID), sl.Err(err))
		return
	}
	s.metrics.StagesFired.WithLabelValues(st.mark).Inc()
}

// fireExpired выселяет пользователя. Полный успех снимает доступ и
// сбрасывает отметки; частичный провал откатывает окончание на льготное
// окно, чтобы следующий цикл повторил выселение, не наказывая адресата
// чужих сбоев вечным отказом.
func (s *Sweeper) fireExpired(ctx context.Context, user *models.User) {
	log := s.log.With(slog.Int64("user_id", user.TelegramID))

	out, err := s.enforcer.EnforceAbsence(ctx, user.TelegramID)
	if err != nil {
		log.Error("enforce absence failed", sl.Err(err))
		s.rollback(ctx, user)
		return
	}

	if !out.AllCleared() {
		s.metrics.KickFailures.Inc()
		log.Warn("removal incomplete",
			slog.Int("failed", out.Failed),
			slog.Int("privileged", out.SkippedPrivileged))
		s.rollback(ctx, user)
		return
	}

	if err := s.users.ClearAccess(ctx, user.TelegramID); err != nil {
		log.Error("failed to clear access after removal", sl.Err(err))
		return
	}
	s.metrics.StagesFired.WithLabelValues(models.MarkExpired).Inc()

	text := s.texts.Render("KICK", map[string]string{"name": user.FirstName})
	if err := s.notifier.SendMessage(ctx, user.TelegramID, text, nil); err != nil {
		log.Error("failed to send kick message", sl.Err(err))
	}

	if s.flags.AuditEvents {
		s.audit.Publish(events.KeyAccess, events.AccessEvent{
			TelegramID: user.TelegramID,
			Action:     "revoked",
			Detail:     fmt.Sprintf("removed=%d absent=%d", out.Removed, out.AlreadyAbsent),
			At:         s.now(),
		})
	}
}

// rollback переносит окончание на now+grace, кроме случая, когда текущее
// окончание и так в будущем.
func (s *Sweeper) rollback(ctx context.Context, user *models.User) {
	now := s.now().In(subtime.Kyiv)
	if current, ok := subtime.Parse(user.SubscriptionEnd); ok && current.After(now) {
		return
	}

	newEnd := subtime.Normalize(now.AddDate(0, 0, s.cfg.GraceDays))
	if err := s.users.ExtendSubscription(ctx, user.TelegramID, newEnd); err != nil {
		s.log.Error("failed to roll back subscription end",
			slog.Int64("user_id", user.TelegramID), sl.Err(err))
		return
	}
	s.metrics.Rollbacks.Inc()

	if s.flags.AuditEvents {
		s.audit.Publish(events.KeyAccess, events.AccessEvent{
			TelegramID: user.TelegramID,
			Action:     "rollback",
			Detail:     newEnd,
			At:         s.now(),
		})
	}
}

// runIsolated выполняет обработку одного пользователя, гася панику:
// одна плохая запись не должна останавливать цикл.
func (s *Sweeper) runIsolated(userID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while processing user",
				slog.Int64("user_id", userID), slog.Any("panic", r))
		}
	}()
	fn()
}
