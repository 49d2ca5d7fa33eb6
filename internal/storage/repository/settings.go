package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alfredwatch/gatekeeper/internal/models"
)

// GetSetting возвращает значение настройки по ключу, пустую строку —
// если ключ отсутствует.
func (s *Storage) GetSetting(ctx context.Context, key string) (string, error) {
	const op = "storage.GetSetting"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var value string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return value, nil
}

// SetSetting записывает значение настройки по ключу.
func (s *Storage) SetSetting(ctx context.Context, key, value string) error {
	const op = "storage.SetSetting"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO settings (key, value) VALUES ($1, $2)
			  ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := s.DB.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AddChannel добавляет канал в реестр.
func (s *Storage) AddChannel(ctx context.Context, channel models.Channel) error {
	const op = "storage.AddChannel"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO channels (id, name) VALUES ($1, $2)
			  ON CONFLICT (id) DO UPDATE SET name = excluded.name`
	if _, err := s.DB.ExecContext(ctx, query, channel.ID, channel.Name); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveChannel удаляет канал из реестра и возвращает количество
// удалённых строк.
func (s *Storage) RemoveChannel(ctx context.Context, channelID int64) (int, error) {
	const op = "storage.RemoveChannel"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ListChannels возвращает реестр каналов.
func (s *Storage) ListChannels(ctx context.Context) ([]models.Channel, error) {
	const op = "storage.ListChannels"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, name FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err = rows.Scan(&ch.ID, &ch.Name); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, ch)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// AddPoolAddress добавляет свободный адрес в пул приёма платежей.
func (s *Storage) AddPoolAddress(ctx context.Context, address string) error {
	const op = "storage.AddPoolAddress"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO crypto_addresses (address) VALUES ($1)
			  ON CONFLICT (address) DO NOTHING`
	if _, err := s.DB.ExecContext(ctx, query, address); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClaimFreeAddress атомарно занимает один свободный адрес пула и возвращает
// его. FOR UPDATE SKIP LOCKED исключает выдачу одного адреса двум
// конкурентным попыткам. Пустая строка означает исчерпанный пул.
func (s *Storage) ClaimFreeAddress(ctx context.Context) (string, error) {
	const op = "storage.ClaimFreeAddress"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE crypto_addresses SET in_use = TRUE
			  WHERE address = (
			      SELECT address FROM crypto_addresses
			      WHERE NOT in_use
			      ORDER BY address
			      LIMIT 1
			      FOR UPDATE SKIP LOCKED
			  )
			  RETURNING address`
	var address string
	err := s.DB.QueryRowContext(ctx, query).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return address, nil
}

// ReleaseAddress возвращает адрес в пул.
func (s *Storage) ReleaseAddress(ctx context.Context, address string) error {
	const op = "storage.ReleaseAddress"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx,
		`UPDATE crypto_addresses SET in_use = FALSE WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
