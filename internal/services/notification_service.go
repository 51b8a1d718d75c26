package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/notifications"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/queue"
	"github.com/minutemart/order-api/internal/repositories"
)

// pickupDebounce keeps the out-for-delivery notice quiet for a window after a
// partial-shipment notice, so a multi-shipment order does not message the
// customer twice within seconds.
const pickupDebounce = 30 * time.Second

// notificationRoute maps one order status milestone to the message sent for
// it. Statuses without a route stay silent.
type notificationRoute struct {
	template string
	channels []string
}

var notificationRoutes = map[domain.Status]notificationRoute{
	domain.StatusConfirmed:      {template: "order_confirmed", channels: []string{"email", "push"}},
	domain.StatusReadyForPickup: {template: "order_ready_for_pickup", channels: []string{"push"}},
	domain.StatusPickedUp:       {template: "order_out_for_delivery", channels: []string{"push"}},
	domain.StatusDelivered:      {template: "order_delivered", channels: []string{"email", "push"}},
	domain.StatusUndelivered:    {template: "order_undelivered", channels: []string{"email", "push"}},
	domain.StatusCancelled:      {template: "order_cancelled", channels: []string{"email", "push"}},
	domain.StatusFailed:         {template: "order_payment_failed", channels: []string{"email", "push"}},
}

const partialShipmentTemplate = "order_partially_shipped"

// NotificationServiceDeps bundles collaborators required to construct the
// notification service.
type NotificationServiceDeps struct {
	Events repositories.EventRepository
	Sender notifications.Sender
	Clock  func() time.Time
	Logger *zap.Logger
}

type notificationService struct {
	events repositories.EventRepository
	sender notifications.Sender
	clock  func() time.Time
	logger *zap.Logger
}

// NewNotificationService wires dependencies into a concrete
// NotificationService.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Events == nil {
		return nil, errors.New("notification service: event repository is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("notification service: sender is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &notificationService{
		events: deps.Events,
		sender: deps.Sender,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *notificationService) HandleOrderUpdate(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}

	route, ok := notificationRoutes[payload.Status]
	if !ok {
		return nil
	}
	if payload.Partial {
		route = notificationRoute{template: partialShipmentTemplate, channels: []string{"push"}}
	}

	if payload.Status == domain.StatusPickedUp {
		rescheduled, err := s.debouncePickup(ctx, event, payload.OrderNr)
		if err != nil {
			return err
		}
		if rescheduled {
			return queue.ErrRescheduled
		}
	}

	data := map[string]any{
		"order_nr": payload.OrderNr,
		"status":   string(payload.Status),
	}
	if payload.OccurredAt != nil {
		data["occurred_at"] = payload.OccurredAt.Format(time.RFC3339)
	}

	for _, channel := range route.channels {
		msg := notifications.Message{
			Template:     route.template,
			Channel:      channel,
			OrderNr:      payload.OrderNr,
			CustomerCode: payload.CustomerCode,
			Data:         data,
		}
		if err := s.sender.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// debouncePickup pushes the picked_up notice to the end of the quiet window
// that the order's latest partial-shipment notice opened. The window is
// anchored on that notice's schedule time, so it holds whether or not the
// notice itself has been delivered yet.
func (s *notificationService) debouncePickup(ctx context.Context, event domain.Event, orderNr string) (bool, error) {
	notice, err := s.events.LatestPartialNotice(ctx, orderNr)
	if database.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	at := notice.ScheduleAt.Add(pickupDebounce)
	if at.Before(s.clock()) {
		return false, nil
	}
	if err := s.events.Reschedule(ctx, event.ID, at); err != nil {
		return false, err
	}
	s.logger.Debug("pickup notice debounced",
		zap.String("order_nr", orderNr),
		zap.Time("rescheduled_to", at),
	)
	return true, nil
}
