// Package events публикует аудит-события ядра (терминальные статусы
// платежей, выселения из каналов) в RabbitMQ для операторской панели.
// Поток best-effort: недоступный брокер деградирует до записи в лог,
// движок подписок от него не зависит.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
)

const exchange = "events"

// Ключи маршрутизации аудит-событий.
const (
	KeyPayment = "payment"
	KeyAccess  = "access"
)

// QueueConfig очередь и её ключ маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetAuditQueues возвращает очереди аудит-событий.
func GetAuditQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "events.payments", RoutingKey: KeyPayment},
		{QueueName: "events.access", RoutingKey: KeyAccess},
	}
}

// Connect подключается к RabbitMQ с повторами.
func Connect(connection string, retries int, delay time.Duration) (*amqp.Connection, error) {
	const op = "events.Connect"
	var conn *amqp.Connection
	var err error

	for range retries {
		conn, err = amqp.Dial(connection)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("%s: %w", op, err)
}

// SetupChannel объявляет exchange и очереди аудит-событий.
func SetupChannel(conn *amqp.Connection, queues []QueueConfig) (*amqp.Channel, error) {
	const op = "events.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.QueueName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to declare queue %s: %w", op, q.QueueName, err)
		}

		err = ch.QueueBind(
			q.QueueName,
			q.RoutingKey,
			exchange,
			false,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to bind queue %s: %w", op, q.QueueName, err)
		}
	}

	return ch, nil
}

// PaymentEvent терминальный статус платёжной попытки.
type PaymentEvent struct {
	AttemptID  int64     `json:"attempt_id"`
	TelegramID int64     `json:"telegram_id"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	Amount     float64   `json:"amount"`
	At         time.Time `json:"at"`
}

// AccessEvent изменение членства в каналах.
type AccessEvent struct {
	TelegramID int64     `json:"telegram_id"`
	Action     string    `json:"action"` // revoked, rollback, granted
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// Publisher публикует аудит-события. Нулевой канал (брокер выключен
// флагом или недоступен) превращает публикацию в no-op.
type Publisher struct {
	ch  *amqp.Channel
	log *slog.Logger
}

// NewPublisher создает издателя аудит-событий; ch может быть nil.
func NewPublisher(ch *amqp.Channel, log *slog.Logger) *Publisher {
	return &Publisher{ch: ch, log: log}
}

// Publish отправляет событие. Ошибка публикации логируется и не
// возвращается: аудит не должен ломать платёжный или свип-цикл.
func (p *Publisher) Publish(routingKey string, event any) {
	if p == nil || p.ch == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("failed to marshal audit event", sl.Err(err))
		return
	}
	err = p.ch.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		p.log.Error("failed to publish audit event", slog.String("key", routingKey), sl.Err(err))
	}
}
