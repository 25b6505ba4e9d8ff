package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/complaint-engine/internal/config"
	"github.com/spec-kit/complaint-engine/internal/events"
)

// NotificationService turns engine events into notification requests. Actual
// delivery belongs to downstream systems; this only logs what would be sent.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventStatusChanged, n.handleStatusChanged)
	n.dispatcher.Subscribe(events.EventEscalated, n.handleEscalated)
	n.dispatcher.Subscribe(events.EventReminderDue, n.handleReminderDue)
	n.dispatcher.Subscribe(events.EventDeadlineApproaching, n.handleDeadlineApproaching)
}

func (n *NotificationService) handleStatusChanged(ctx context.Context, event events.Event) error {
	n.logger.Info("StatusChanged", zap.String("complaint_id", event.ComplaintID), zap.Int64("sequence", event.Sequence), zap.Any("payload", event.Payload))
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleEscalated(ctx context.Context, event events.Event) error {
	var cc string
	if p, ok := event.Payload.(events.EscalatedPayload); ok {
		cc = string(p.Authority)
	}
	n.logger.Info("Escalated", zap.String("complaint_id", event.ComplaintID), zap.String("cc", cc), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event, cc)
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleReminderDue(ctx context.Context, event events.Event) error {
	n.logger.Info("ReminderDue", zap.String("complaint_id", event.ComplaintID), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event, "")
	return nil
}

func (n *NotificationService) handleDeadlineApproaching(ctx context.Context, event events.Event) error {
	p, _ := event.Payload.(events.DeadlineApproachingPayload)
	if p.Alert == events.AlertStuck {
		n.logger.Warn("StuckComplaint", zap.String("complaint_id", event.ComplaintID), zap.String("status", string(p.Status)), zap.String("stalled_for", p.StalledFor), zap.String("department", p.Department))
		n.sendEmailNotificationStub(ctx, event, "")
		return nil
	}
	if p.Alert != "" {
		n.logger.Error("StandingAlert", zap.String("complaint_id", event.ComplaintID), zap.String("alert", p.Alert), zap.Int("failures", p.Failures), zap.String("last_error", p.LastError))
		n.sendWebhookNotificationStub(ctx, event)
		return nil
	}
	n.logger.Info("DeadlineApproaching", zap.String("complaint_id", event.ComplaintID), zap.Any("payload", event.Payload))
	n.sendEmailNotificationStub(ctx, event, "")
	return nil
}

func (n *NotificationService) sendEmailNotificationStub(ctx context.Context, event events.Event, cc string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("cc", cc),
		zap.String("complaint_id", event.ComplaintID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhookNotificationStub(ctx context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("complaint_id", event.ComplaintID),
		zap.String("event_type", string(event.Type)))
}
