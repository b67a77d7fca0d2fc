package service

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"
)

// Notifier delivers one message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, plainBody, htmlBody string) error
}

// NotificationRecord is what gets written to the notification log after a send.
type NotificationRecord struct {
	Recipient string
	Subject   string
	SentAt    time.Time
}

// NotificationLog keeps a record of delivered notifications.
type NotificationLog interface {
	RecordNotification(ctx context.Context, rec NotificationRecord) error
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// MailNotifier sends notifications as email through an SMTP relay.
type MailNotifier struct {
	cfg SMTPConfig
	log NotificationLog
}

// NewMailNotifier creates a mail notifier. log may be nil.
func NewMailNotifier(cfg SMTPConfig, log NotificationLog) *MailNotifier {
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &MailNotifier{cfg: cfg, log: log}
}

func (n *MailNotifier) Notify(ctx context.Context, recipient, subject, plainBody, htmlBody string) error {
	// Fresh mail service per send: nikoksr/notify accumulates receivers across
	// AddReceivers calls.
	mailSvc := mail.New(n.cfg.From, fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port))
	if n.cfg.User != "" {
		mailSvc.AuthenticateSMTP("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	}
	mailSvc.AddReceivers(recipient)

	body := plainBody
	if htmlBody != "" {
		mailSvc.BodyFormat(mail.HTML)
		body = htmlBody
	} else {
		mailSvc.BodyFormat(mail.PlainText)
	}

	notifier := notify.New()
	notifier.UseServices(mailSvc)

	if err := notifier.Send(ctx, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	if n.log != nil {
		if err := n.log.RecordNotification(ctx, NotificationRecord{
			Recipient: recipient,
			Subject:   subject,
			SentAt:    time.Now().UTC(),
		}); err != nil {
			slog.Error("record notification failed", "recipient", recipient, "error", err)
		}
	}
	return nil
}

// LogNotifier only logs. Used when no SMTP relay is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipient, subject, _, _ string) error {
	slog.Info("notification", "recipient", recipient, "subject", subject)
	return nil
}

// triggerMessage builds the entry notification for a fence.
func triggerMessage(f GeoFence, assetID string, at time.Time) (subject, plainBody, htmlBody string) {
	stamp := at.UTC().Format("2006-01-02 15:04:05 UTC")
	subject = fmt.Sprintf("%s Geofence was triggered by asset %s", f.Name, assetID)
	plainBody = fmt.Sprintf("%s Geofence %s was triggered by asset %s at %s",
		f.FenceType, f.Name, assetID, stamp)
	htmlBody = fmt.Sprintf("<strong>%s</strong> Geofence <strong>%s</strong> was triggered by asset <strong>%s</strong> at <strong>%s</strong>",
		html.EscapeString(f.FenceType.String()),
		html.EscapeString(f.Name),
		html.EscapeString(assetID),
		stamp)
	return subject, plainBody, htmlBody
}
