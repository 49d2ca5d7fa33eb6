package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/models"
)

// CreatePaymentAttempt вставляет новую запись в журнал платежей
// и возвращает её ID.
func (s *Storage) CreatePaymentAttempt(ctx context.Context, attempt models.PaymentAttempt) (int64, error) {
	const op = "storage.CreatePaymentAttempt"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO payments (telegram_id, method, plan, amount, status,
			      provider_invoice_id, pay_url, wallet_address, user_name, first_name,
			      admin_id, admin_name, old_subscription_end, new_subscription_end,
			      payload, description, raw_response)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			  RETURNING id`
	var newID int64
	err := s.DB.QueryRowContext(ctx, query,
		attempt.TelegramID, attempt.Method, nullString(attempt.Plan), attempt.Amount, attempt.Status,
		nullString(attempt.ProviderInvoiceID), nullString(attempt.PayURL), nullString(attempt.WalletAddress),
		nullString(attempt.Username), nullString(attempt.FirstName),
		nullInt(attempt.AdminID), nullString(attempt.AdminName),
		nullString(attempt.OldSubscriptionEnd), nullString(attempt.NewSubscriptionEnd),
		nullString(attempt.Payload), nullString(attempt.Description), nullString(attempt.RawResponse),
	).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// PaymentUpdate описывает частичное обновление записи платежа.
// nil-поля не трогаются; updated_at обновляется всегда.
type PaymentUpdate struct {
	Status             *string
	TxHash             *string
	TxFrom             *string
	TxTo               *string
	TxValue            *float64
	TxTimestamp        *time.Time
	NewSubscriptionEnd *string
	PaidAt             *time.Time
	RawResponse        *string
}

// UpdatePaymentAttempt применяет частичное обновление к записи платежа.
func (s *Storage) UpdatePaymentAttempt(ctx context.Context, id int64, upd PaymentUpdate) error {
	const op = "storage.UpdatePaymentAttempt"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	fields := []string{"updated_at = now()"}
	params := []any{}
	add := func(column string, value any) {
		params = append(params, value)
		fields = append(fields, fmt.Sprintf("%s = $%d", column, len(params)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.TxHash != nil {
		add("tx_hash", *upd.TxHash)
	}
	if upd.TxFrom != nil {
		add("tx_from", *upd.TxFrom)
	}
	if upd.TxTo != nil {
		add("tx_to", *upd.TxTo)
	}
	if upd.TxValue != nil {
		add("tx_value", *upd.TxValue)
	}
	if upd.TxTimestamp != nil {
		add("tx_timestamp", *upd.TxTimestamp)
	}
	if upd.NewSubscriptionEnd != nil {
		add("new_subscription_end", *upd.NewSubscriptionEnd)
	}
	if upd.PaidAt != nil {
		add("paid_at", *upd.PaidAt)
	}
	if upd.RawResponse != nil {
		add("raw_response", *upd.RawResponse)
	}

	params = append(params, id)
	query := fmt.Sprintf("UPDATE payments SET %s WHERE id = $%d",
		strings.Join(fields, ", "), len(params))
	if _, err := s.DB.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// UpdatePaymentStatus обновляет только статус записи платежа.
func (s *Storage) UpdatePaymentStatus(ctx context.Context, id int64, status string) error {
	return s.UpdatePaymentAttempt(ctx, id, PaymentUpdate{Status: &status})
}

// GetPaymentAttempt возвращает запись платежа по ID, nil — если не найдена.
func (s *Storage) GetPaymentAttempt(ctx context.Context, id int64) (*models.PaymentAttempt, error) {
	const op = "storage.GetPaymentAttempt"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, telegram_id, method, plan, amount, status,
			      provider_invoice_id, pay_url, wallet_address,
			      tx_hash, tx_from, tx_to, tx_value, tx_timestamp,
			      user_name, first_name, admin_id, admin_name,
			      old_subscription_end, new_subscription_end,
			      payload, description, raw_response, paid_at, created_at, updated_at
			  FROM payments WHERE id = $1`
	row := s.DB.QueryRowContext(ctx, query, id)

	p := &models.PaymentAttempt{}
	var plan, invoiceID, payURL, wallet, txHash, txFrom, txTo sql.NullString
	var userName, firstName, adminName, oldEnd, newEnd, payload, description, raw sql.NullString
	var txValue sql.NullFloat64
	var adminID sql.NullInt64
	var txTimestamp, paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.TelegramID, &p.Method, &plan, &p.Amount, &p.Status,
		&invoiceID, &payURL, &wallet, &txHash, &txFrom, &txTo, &txValue, &txTimestamp,
		&userName, &firstName, &adminID, &adminName, &oldEnd, &newEnd,
		&payload, &description, &raw, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p.Plan = plan.String
	p.ProviderInvoiceID = invoiceID.String
	p.PayURL = payURL.String
	p.WalletAddress = wallet.String
	p.TxHash = txHash.String
	p.TxFrom = txFrom.String
	p.TxTo = txTo.String
	p.TxValue = txValue.Float64
	p.Username = userName.String
	p.FirstName = firstName.String
	p.AdminID = adminID.Int64
	p.AdminName = adminName.String
	p.OldSubscriptionEnd = oldEnd.String
	p.NewSubscriptionEnd = newEnd.String
	p.Payload = payload.String
	p.Description = description.String
	p.RawResponse = raw.String
	if txTimestamp.Valid {
		p.TxTimestamp = &txTimestamp.Time
	}
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
