package domain

import "context"

// NotificationType — тип терминального уведомления клиенту.
type NotificationType string

const (
	NotificationOrderConfirmed   NotificationType = "ORDER_CONFIRMED"
	NotificationOrderCompensated NotificationType = "ORDER_COMPENSATED"
)

// Notification — сообщение для внешней очереди уведомлений.
// Потребители дедуплицируют по паре (order_id, type).
type Notification struct {
	Type          NotificationType
	OrderID       string
	CorrelationID string
	CustomerID    string
}

// NotificationPublisher публикует уведомления во внешнюю очередь.
// Должен быть безопасен для повторной публикации одного и того же сообщения.
type NotificationPublisher interface {
	Publish(ctx context.Context, n Notification) error
}
