package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"btc-order-service/internal/broker"
	"btc-order-service/internal/models"
	"btc-order-service/internal/util"

	"go.uber.org/zap"
)

// Notifier consumes order events and POSTs user-facing notifications to a
// webhook (the bot frontend). Delivery is best effort: a failed notification
// is logged and the event is still committed.
type Notifier struct {
	consumer   *broker.Consumer
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewNotifier(consumer *broker.Consumer, webhookURL string) *Notifier {
	return &Notifier{
		consumer:   consumer,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     util.GetLogger(),
	}
}

type notification struct {
	UserID  int64  `json:"user_id"`
	OrderID int64  `json:"order_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Start consumes order events until ctx is cancelled
func (n *Notifier) Start(ctx context.Context) error {
	if n.webhookURL == "" {
		n.logger.Info("Notification webhook not configured, notifier disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	handler := broker.NewEventHandler()
	handler.OnOrderCompleted(func(ctx context.Context, e *models.OrderCompletedEvent) error {
		n.send(ctx, notification{
			UserID:  e.UserID,
			OrderID: e.OrderID,
			Kind:    "order_completed",
			Message: fmt.Sprintf("Order #%d completed, your content is ready", e.OrderID),
		})
		return nil
	})
	handler.OnOrderExpired(func(ctx context.Context, e *models.OrderExpiredEvent) error {
		n.send(ctx, notification{
			UserID:  e.UserID,
			OrderID: e.OrderID,
			Kind:    "order_expired",
			Message: fmt.Sprintf("Order #%d was cancelled because the payment window expired", e.OrderID),
		})
		return nil
	})
	handler.OnOrderCancelled(func(ctx context.Context, e *models.OrderCancelledEvent) error {
		n.send(ctx, notification{
			UserID:  e.UserID,
			OrderID: e.OrderID,
			Kind:    "order_cancelled",
			Message: fmt.Sprintf("Order #%d cancelled", e.OrderID),
		})
		return nil
	})

	return n.consumer.StartConsuming(ctx, handler.HandleMessage)
}

// Stop closes the underlying consumer
func (n *Notifier) Stop() error {
	return n.consumer.Close()
}

func (n *Notifier) send(ctx context.Context, note notification) {
	body, err := json.Marshal(note)
	if err != nil {
		n.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("Failed to deliver notification",
			zap.Int64("order_id", note.OrderID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Error("Notification webhook returned non-success status",
			zap.Int64("order_id", note.OrderID),
			zap.Int("status", resp.StatusCode))
	}
}
