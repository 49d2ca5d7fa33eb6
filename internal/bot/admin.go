package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/lib/subtime"
	"github.com/alfredwatch/gatekeeper/internal/models"
	"github.com/alfredwatch/gatekeeper/internal/telegram"
)

const adminHelp = `/add_channel <id> <назва> — додати канал
/remove_channel <id> — прибрати канал
/channels — список каналів
/add_plan <user_id> <канал> — видати доступ до каналу
/add_address <адреса> — додати адресу до платіжного пулу
/add_time <user_id> <+7d|+12h|+3w|+6m|дата> — продовжити підписку
/add_tp <user_id> — видати роль підтримки
/remove_tp <user_id> — зняти роль підтримки`

func (b *Bot) handleAdminCommand(ctx context.Context, msg *telegram.Message, command string, args []string) {
	caller, err := b.users.GetUser(ctx, msg.From.ID)
	if err != nil || caller == nil {
		b.log.Error("failed to load caller", sl.Err(err))
		return
	}
	if caller.Role != models.RoleAdmin {
		return
	}

	switch command {
	case "/admin":
		b.send(ctx, msg.Chat.ID, adminHelp, nil)
	case "/add_channel":
		b.handleAddChannel(ctx, msg, args)
	case "/remove_channel":
		b.handleRemoveChannel(ctx, msg, args)
	case "/channels":
		b.handleListChannels(ctx, msg)
	case "/add_plan":
		b.handleAddPlan(ctx, msg, args)
	case "/add_address":
		b.handleAddAddress(ctx, msg, args)
	case "/add_time":
		b.handleAddTime(ctx, msg, caller, args)
	case "/add_tp":
		b.handleSetRole(ctx, msg, args, models.RoleSupport)
	case "/remove_tp":
		b.handleSetRole(ctx, msg, args, models.RoleUser)
	}
}

func (b *Bot) handleAddChannel(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) < 2 {
		b.send(ctx, msg.Chat.ID, "Формат: /add_channel <id> <назва>", nil)
		return
	}
	channelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, msg.Chat.ID, "Ідентифікатор каналу має бути числом", nil)
		return
	}
	name := strings.Join(args[1:], " ")

	if _, err := b.api.GetChat(ctx, channelID); err != nil {
		b.send(ctx, msg.Chat.ID, "Канал не знайдено або бот не має до нього доступу", nil)
		return
	}
	// Без прав администратора бот не сможет ни выселять, ни выдавать ссылки.
	member, err := b.api.GetChatMember(ctx, channelID, b.botID)
	if err != nil || member.Status != telegram.MemberStatusAdministrator {
		b.send(ctx, msg.Chat.ID, "Бот має бути адміністратором каналу", nil)
		return
	}

	if err := b.channels.AddChannel(ctx, models.Channel{ID: channelID, Name: name}); err != nil {
		b.log.Error("failed to add channel", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося зберегти канал", nil)
		return
	}
	b.registry.Invalidate(ctx)
	b.send(ctx, msg.Chat.ID, fmt.Sprintf("Канал %q додано", name), nil)
}

func (b *Bot) handleRemoveChannel(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) != 1 {
		b.send(ctx, msg.Chat.ID, "Формат: /remove_channel <id>", nil)
		return
	}
	channelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, msg.Chat.ID, "Ідентифікатор каналу має бути числом", nil)
		return
	}

	removed, err := b.channels.RemoveChannel(ctx, channelID)
	if err != nil {
		b.log.Error("failed to remove channel", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося прибрати канал", nil)
		return
	}
	if removed == 0 {
		b.send(ctx, msg.Chat.ID, "Такого каналу немає в реєстрі", nil)
		return
	}
	b.registry.Invalidate(ctx)
	b.send(ctx, msg.Chat.ID, "Канал прибрано", nil)
}

func (b *Bot) handleListChannels(ctx context.Context, msg *telegram.Message) {
	channels, err := b.registry.ListChannels(ctx)
	if err != nil {
		b.log.Error("failed to list channels", sl.Err(err))
		return
	}
	if len(channels) == 0 {
		b.send(ctx, msg.Chat.ID, "Реєстр каналів порожній", nil)
		return
	}
	var sb strings.Builder
	for _, ch := range channels {
		fmt.Fprintf(&sb, "%d — %s\n", ch.ID, ch.Name)
	}
	b.send(ctx, msg.Chat.ID, sb.String(), nil)
}

func (b *Bot) handleAddPlan(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) < 2 {
		b.send(ctx, msg.Chat.ID, "Формат: /add_plan <user_id> <канал>", nil)
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, msg.Chat.ID, "Ідентифікатор користувача має бути числом", nil)
		return
	}
	plan := strings.Join(args[1:], " ")

	if err := b.users.AddPlan(ctx, userID, plan); err != nil {
		b.log.Error("failed to add plan", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося видати план", nil)
		return
	}
	// Выданный план открывает членство: без флага свип никогда не
	// доведёт пользователя до выселения, а проверка подписки не
	// покажет ему действующий доступ.
	if err := b.users.SetAccessGranted(ctx, userID, true); err != nil {
		b.log.Error("failed to open access", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося відкрити доступ", nil)
		return
	}

	links, missing := b.granter.GrantAccess(ctx, userID, []string{plan})
	if len(links) > 0 {
		text := b.texts.Render("ADD_NEW_PLAN", map[string]string{"plan": plan})
		b.send(ctx, userID, text+"\n"+strings.Join(links, "\n"), nil)
	}
	if len(missing) > 0 {
		b.send(ctx, msg.Chat.ID, "План збережено, але посилання видати не вдалося: "+strings.Join(missing, ", "), nil)
		return
	}
	b.send(ctx, msg.Chat.ID, "План видано", nil)
}

func (b *Bot) handleAddAddress(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) != 1 {
		b.send(ctx, msg.Chat.ID, "Формат: /add_address <адреса>", nil)
		return
	}
	address := args[0]
	if !strings.HasPrefix(address, "T") || len(address) != 34 {
		b.send(ctx, msg.Chat.ID, "Адреса не схожа на TRON-адресу", nil)
		return
	}

	if err := b.channels.AddPoolAddress(ctx, address); err != nil {
		b.log.Error("failed to add pool address", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося додати адресу", nil)
		return
	}
	b.send(ctx, msg.Chat.ID, "Адресу додано до пулу", nil)
}

func (b *Bot) handleAddTime(ctx context.Context, msg *telegram.Message, caller *models.User, args []string) {
	if len(args) < 2 {
		b.send(ctx, msg.Chat.ID, "Формат: /add_time <user_id> <+7d|дата>", nil)
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, msg.Chat.ID, "Ідентифікатор користувача має бути числом", nil)
		return
	}
	target, err := b.users.GetUser(ctx, userID)
	if err != nil || target == nil {
		b.send(ctx, msg.Chat.ID, "Користувача не знайдено", nil)
		return
	}

	now := time.Now().In(subtime.Kyiv)
	raw := strings.Join(args[1:], " ")

	var newEnd time.Time
	if strings.HasPrefix(raw, "+") {
		// Относительный сдвиг идёт от текущего окончания, если оно
		// ещё впереди, иначе от текущего момента.
		base := now
		if current, ok := subtime.Parse(target.SubscriptionEnd); ok && current.After(now) {
			base = current
		}
		shifted, ok := subtime.ApplyDelta(base, raw)
		if !ok {
			b.send(ctx, msg.Chat.ID, "Невідомий формат зсуву, приклад: +7d", nil)
			return
		}
		newEnd = shifted
	} else {
		parsed, ok := subtime.Parse(raw)
		if !ok {
			b.send(ctx, msg.Chat.ID, "Не вдалося розібрати дату", nil)
			return
		}
		newEnd = parsed
	}

	if !newEnd.After(now) {
		b.send(ctx, msg.Chat.ID, "Нова дата закінчення має бути в майбутньому", nil)
		return
	}

	if err := b.payments.AdminGrant(ctx, caller.TelegramID, caller.Username, target, newEnd); err != nil {
		b.log.Error("failed to apply admin grant", sl.Err(err))
		b.send(ctx, msg.Chat.ID, "Не вдалося продовжити підписку", nil)
		return
	}
	b.send(ctx, msg.Chat.ID, "Підписку продовжено до "+subtime.Normalize(newEnd), nil)
}

func (b *Bot) handleSetRole(ctx context.Context, msg *telegram.Message, args []string, role string) {
	if len(args) != 1 {
		b.send(ctx, msg.Chat.ID, "Формат: /add_tp <user_id>", nil)
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, msg.Chat.ID, "Ідентифікатор користувача має бути числом", nil)
		return
	}

	updated, err := b.users.SetRole(ctx, userID, role)
	if err != nil {
		b.log.Error("failed to set role", sl.Err(err))
		return
	}
	if updated == 0 {
		b.send(ctx, msg.Chat.ID, "Користувача не знайдено", nil)
		return
	}
	b.send(ctx, msg.Chat.ID, fmt.Sprintf("Роль %s встановлено", role), nil)
}
