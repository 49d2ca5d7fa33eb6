// Package models содержит доменную модель бота: пользователей с датой
// окончания доступа, платёжные попытки и записи реестра каналов.
package models

import "time"

// Роли пользователей. Роль admin открывает админ-команды, support исключён
// из обхода напоминаний так же, как и admin.
const (
	RoleUser    = "user"
	RoleSupport = "tp"
	RoleAdmin   = "admin"
)

// User представляет пользователя бота.
// SubscriptionEnd хранится текстом в каноническом формате subtime.Canonical,
// но при чтении может содержать устаревшие форматы — разбор всегда идёт
// через subtime.Parse. Пустая строка означает отсутствие подписки.
type User struct {
	TelegramID        int64     // Идентификатор в мессенджере, неизменяемый
	Username          string    // Ник пользователя
	FirstName         string    // Имя для подстановки в шаблоны
	Role              string    // user, tp или admin
	AccessGranted     bool      // Есть ли сейчас членство в каналах
	SubscriptionEnd   string    // Дата окончания доступа (текст)
	Plans             []string  // Названия каналов, выданных пользователю
	NotifiedMarks     MarkSet   // Отметки сработавших стадий текущего окна
	PaymentInProgress bool      // Идёт ли сейчас платёжная попытка
	CreatedAt         time.Time // Дата регистрации
}
