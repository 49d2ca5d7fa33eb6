package models

import "time"

// Способы оплаты.
const (
	MethodInvoice    = "cryptobot"      // Счёт через Crypto Pay
	MethodOnChain    = "usdt_trc20"     // Прямой перевод USDT на адрес из пула
	MethodAdminGrant = "admin_add_time" // Административная выдача времени
)

// Статусы платёжной попытки. Попытка создаётся в pending и ровно один раз
// переходит в paid, canceled или timeout. Статус applied зарезервирован за
// административной выдачей времени, которая минует подтверждение оплаты.
const (
	StatusPending  = "pending"
	StatusPaid     = "paid"
	StatusCanceled = "canceled"
	StatusTimeout  = "timeout"
	StatusApplied  = "applied"
)

// PaymentAttempt — одна попытка оплаты подписки. Строка в журнале платежей
// append-only: после терминального статуса запись больше не меняется, кроме
// аудиторских полей. RawResponse хранит ответ провайдера дословно.
type PaymentAttempt struct {
	ID                 int64
	TelegramID         int64
	Method             string
	Plan               string
	Amount             float64
	Status             string
	ProviderInvoiceID  string
	PayURL             string
	WalletAddress      string
	TxHash             string
	TxFrom             string
	TxTo               string
	TxValue            float64
	TxTimestamp        *time.Time
	Username           string
	FirstName          string
	AdminID            int64
	AdminName          string
	OldSubscriptionEnd string
	NewSubscriptionEnd string
	Payload            string
	Description        string
	RawResponse        string
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Terminal сообщает, достигла ли попытка конечного статуса.
func (p *PaymentAttempt) Terminal() bool {
	switch p.Status {
	case StatusPaid, StatusCanceled, StatusTimeout, StatusApplied:
		return true
	}
	return false
}

// Tariff — оплачиваемый срок продления.
type Tariff struct {
	Key    string  // Ключ опции в меню
	Months int     // Срок продления в месяцах
	Amount float64 // Цена в USDT
}

// Tariffs — доступные сроки продления и их стоимость.
var Tariffs = []Tariff{
	{Key: "one_month", Months: 1, Amount: 50},
	{Key: "three_months", Months: 3, Amount: 135},
	{Key: "six_months", Months: 6, Amount: 250},
}

// TariffByKey возвращает тариф по ключу опции.
func TariffByKey(key string) (Tariff, bool) {
	for _, t := range Tariffs {
		if t.Key == key {
			return t, true
		}
	}
	return Tariff{}, false
}
