package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alfredwatch/gatekeeper/internal/models"
)

const userColumns = `telegram_id, username, first_name, job_title, access_granted,
			      subscription_end, subscription_plan, notified_marks, payment_in_progress, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	var username, firstName, subscriptionEnd, plans, marks sql.NullString
	if err := row.Scan(&u.TelegramID, &username, &firstName, &u.Role, &u.AccessGranted,
		&subscriptionEnd, &plans, &marks, &u.PaymentInProgress, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.SubscriptionEnd = subscriptionEnd.String
	u.NotifiedMarks = models.DecodeMarks(marks.String)
	if plans.Valid && plans.String != "" {
		_ = json.Unmarshal([]byte(plans.String), &u.Plans)
	}
	return u, nil
}

// AddUser сохраняет нового пользователя. Повторная регистрация
// существующего telegram_id не считается ошибкой.
func (s *Storage) AddUser(ctx context.Context, telegramID int64, username, firstName string) error {
	const op = "storage.AddUser"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO users (telegram_id, username, first_name)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (telegram_id) DO UPDATE
			  SET username = excluded.username, first_name = excluded.first_name`
	if _, err := s.DB.ExecContext(ctx, query, telegramID, username, firstName); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetUser возвращает пользователя по telegram_id, nil — если не найден.
func (s *Storage) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	const op = "storage.GetUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// GetUsersByRole возвращает всех пользователей с указанной ролью.
func (s *Storage) GetUsersByRole(ctx context.Context, role string) ([]*models.User, error) {
	const op = "storage.GetUsersByRole"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE job_title = $1 ORDER BY telegram_id`
	rows, err := s.DB.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SetRole обновляет роль пользователя и возвращает количество
// изменённых строк.
func (s *Storage) SetRole(ctx context.Context, telegramID int64, role string) (int, error) {
	const op = "storage.SetRole"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := s.DB.ExecContext(ctx,
		`UPDATE users SET job_title = $1 WHERE telegram_id = $2`, role, telegramID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// SetAccessGranted обновляет флаг членства в каналах.
func (s *Storage) SetAccessGranted(ctx context.Context, telegramID int64, granted bool) error {
	const op = "storage.SetAccessGranted"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET access_granted = $1 WHERE telegram_id = $2`, granted, telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ExtendSubscription записывает новую дату окончания подписки.
// Отметки обнуляются, а членство открывается тем же UPDATE: продление
// всегда даёт чистое окно напоминаний и действующий доступ, будь то
// оплата, административная выдача или откат после неполного выселения.
func (s *Storage) ExtendSubscription(ctx context.Context, telegramID int64, normalizedEnd string) error {
	const op = "storage.ExtendSubscription"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users
			  SET subscription_end = $1, notified_marks = '[]', access_granted = TRUE
			  WHERE telegram_id = $2`
	if _, err := s.DB.ExecContext(ctx, query, normalizedEnd, telegramID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveMarks записывает набор отметок сработавших стадий.
func (s *Storage) SaveMarks(ctx context.Context, telegramID int64, marks models.MarkSet) error {
	const op = "storage.SaveMarks"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET notified_marks = $1 WHERE telegram_id = $2`, marks.Encode(), telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearAccess одним запросом снимает членство и обнуляет отметки.
// Вызывается только после полного успеха выселения из всех каналов.
func (s *Storage) ClearAccess(ctx context.Context, telegramID int64) error {
	const op = "storage.ClearAccess"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users
			  SET access_granted = FALSE, notified_marks = '[]'
			  WHERE telegram_id = $1`
	if _, err := s.DB.ExecContext(ctx, query, telegramID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// TryBeginPayment атомарно захватывает флаг платёжной попытки.
// Возвращает false, если у пользователя уже идёт оплата: два
// одновременных вызова не могут захватить флаг оба.
func (s *Storage) TryBeginPayment(ctx context.Context, telegramID int64) (bool, error) {
	const op = "storage.TryBeginPayment"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users
			  SET payment_in_progress = TRUE
			  WHERE telegram_id = $1 AND NOT payment_in_progress`
	result, err := s.DB.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected == 1, nil
}

// EndPayment снимает флаг платёжной попытки. Снятие флага извне
// (отмена оплаты) наблюдается вотчером на следующей итерации опроса.
func (s *Storage) EndPayment(ctx context.Context, telegramID int64) error {
	const op = "storage.EndPayment"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET payment_in_progress = FALSE WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AddPlan добавляет название канала в список планов пользователя.
func (s *Storage) AddPlan(ctx context.Context, telegramID int64, plan string) error {
	const op = "storage.AddPlan"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	user, err := s.GetUser(ctx, telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if user == nil {
		return fmt.Errorf("%s: user %d not found", op, telegramID)
	}
	for _, p := range user.Plans {
		if p == plan {
			return nil
		}
	}
	data, err := json.Marshal(append(user.Plans, plan))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE users SET subscription_plan = $1 WHERE telegram_id = $2`, string(data), telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
