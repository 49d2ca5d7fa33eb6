// Package enforcer синхронизирует фактическое членство пользователя в
// закрытых каналах с состоянием подписки в хранилище.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
)

// ChannelAPI определяет методы Bot API, нужные для управления членством.
type ChannelAPI interface {
	// GetChatMember возвращает статус пользователя в канале.
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
	// BanChatMember удаляет пользователя из канала.
	BanChatMember(ctx context.Context, chatID, userID int64) error
	// UnbanChatMember снимает бан, чтобы пользователь мог вернуться по новой ссылке.
	UnbanChatMember(ctx context.Context, chatID, userID int64) error
	// CreateChatInviteLink создает одноразовую пригласительную ссылку.
	CreateChatInviteLink(ctx context.Context, chatID int64, memberLimit int, expireAt time.Time) (*telegram.ChatInviteLink, error)
}

// ChannelRegistry отдаёт список закрытых каналов.
type ChannelRegistry interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
}

// Outcome итог прохода по каналам для одного пользователя.
type Outcome struct {
	Total             int
	Removed           int
	AlreadyAbsent     int
	SkippedPrivileged int
	Failed            int
}

// AllCleared истинно, когда пользователь гарантированно отсутствует во
// всех каналах. Только тогда вызывающий снимает access_granted.
func (o Outcome) AllCleared() bool {
	return o.Failed == 0 && o.SkippedPrivileged == 0
}

// Enforcer выгоняет пользователей из каналов и выдаёт пригласительные ссылки.
type Enforcer struct {
	api      ChannelAPI
	registry ChannelRegistry
	metrics  *metrics.Metrics
	log      *slog.Logger
	linkTTL  time.Duration
}

// New создает новый экземпляр Enforcer.
func New(api ChannelAPI, registry ChannelRegistry, m *metrics.Metrics, log *slog.Logger) *Enforcer {
	return &Enforcer{
		api:      api,
		registry: registry,
		metrics:  m,
		log:      log,
		linkTTL:  24 * time.Hour,
	}
}

// EnforceAbsence удаляет пользователя из всех каналов реестра. Ошибка по
// одному каналу не прерывает обход остальных: каналы независимы, частичный
// сбой ожидаем и отражается в Outcome.
func (e *Enforcer) EnforceAbsence(ctx context.Context, userID int64) (Outcome, error) {
	const op = "enforcer.EnforceAbsence"

	channels, err := e.registry.ListChannels(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	out := Outcome{Total: len(channels)}
	for _, ch := range channels {
		log := e.log.With(
			slog.Int64("user_id", userID),
			slog.Int64("channel_id", ch.ID),
			slog.String("channel", ch.Name),
		)

		member, err := e.api.GetChatMember(ctx, ch.ID, userID)
		if err != nil {
			out.Failed++
			log.Error("failed to query chat member", sl.Err(err))
			continue
		}

		switch member.Status {
		case telegram.MemberStatusLeft, telegram.MemberStatusKicked:
			out.AlreadyAbsent++
			continue
		case telegram.MemberStatusCreator, telegram.MemberStatusAdministrator:
			// Администратора канала нельзя разжаловать выселением.
			out.SkippedPrivileged++
			log.Warn("user is privileged in channel, skipping removal")
			continue
		}

		// Бан с немедленным разбаном: выселение без вечного запрета.
		if err := e.api.BanChatMember(ctx, ch.ID, userID); err != nil {
			out.Failed++
			log.Error("failed to remove user from channel", sl.Err(err))
			continue
		}
		if err := e.api.UnbanChatMember(ctx, ch.ID, userID); err != nil {
			out.Failed++
			log.Error("failed to lift ban after removal", sl.Err(err))
			continue
		}

		out.Removed++
	}

	return out, nil
}

// GrantAccess выдаёт по одной одноразовой ссылке на каждый канал из
// списка тарифов пользователя. Канал, который не удалось найти или для
// которого не удалось создать ссылку, попадает в missing, остальные
// ссылки выдаются как обычно.
func (e *Enforcer) GrantAccess(ctx context.Context, userID int64, plans []string) (links []string, missing []string) {
	channels, err := e.registry.ListChannels(ctx)
	if err != nil {
		e.log.Error("failed to load channel registry", sl.Err(err))
		return nil, plans
	}

	byName := make(map[string]models.Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name] = ch
	}

	expireAt := time.Now().Add(e.linkTTL)
	for _, plan := range plans {
		ch, ok := byName[plan]
		if !ok {
			missing = append(missing, plan)
			continue
		}
		link, err := e.api.CreateChatInviteLink(ctx, ch.ID, 1, expireAt)
		if err != nil {
			e.log.Error("failed to create invite link",
				slog.Int64("user_id", userID),
				slog.String("channel", ch.Name),
				sl.Err(err))
			missing = append(missing, plan)
			continue
		}
		links = append(links, link.InviteLink)
		e.metrics.InviteLinks.Inc()
	}

	return links, missing
}
