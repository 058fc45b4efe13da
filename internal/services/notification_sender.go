package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"

	"github.com/civicdesk/accountguard/internal/models"
	pkglogger "github.com/civicdesk/accountguard/pkg/logger"
)

// SESClient is the subset of the SES API used for delivery
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AccountLookup resolves an account to its contact details
type AccountLookup interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// SESNotificationSender delivers notifications as email through AWS SES
type SESNotificationSender struct {
	client      SESClient
	accounts    AccountLookup
	fromAddress string
	baseURL     string
	logger      *slog.Logger
}

// NewSESNotificationSender loads AWS configuration for region and creates a sender
func NewSESNotificationSender(ctx context.Context, region, fromAddress, baseURL string, accounts AccountLookup, logger *slog.Logger) (*SESNotificationSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotificationSenderWithClient(ses.NewFromConfig(cfg), fromAddress, baseURL, accounts, logger), nil
}

// NewSESNotificationSenderWithClient creates a sender around an existing client
func NewSESNotificationSenderWithClient(client SESClient, fromAddress, baseURL string, accounts AccountLookup, logger *slog.Logger) *SESNotificationSender {
	return &SESNotificationSender{
		client:      client,
		accounts:    accounts,
		fromAddress: fromAddress,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
	}
}

// Send renders the template and hands it to SES
func (s *SESNotificationSender) Send(ctx context.Context, accountID string, kind TemplateKind, payload NotificationPayload) (*DeliveryReceipt, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if account.IsDeleted() || account.Email == "" {
		return nil, fmt.Errorf("%w: recipient has no deliverable address", models.ErrNotFound)
	}

	msg := renderNotification(kind, payload, s.baseURL)
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{account.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(msg.html())},
				Text: &types.Content{Data: aws.String(msg.text())},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to send notification via SES",
			slog.String("email", pkglogger.SanitizedEmail(account.Email)),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return &DeliveryReceipt{MessageID: aws.ToString(result.MessageId)}, nil
}

// LogNotificationSender writes notifications to the log instead of delivering them.
// Used in development and when no mail transport is configured.
type LogNotificationSender struct {
	logger *slog.Logger
}

func NewLogNotificationSender(logger *slog.Logger) *LogNotificationSender {
	return &LogNotificationSender{logger: logger}
}

func (s *LogNotificationSender) Send(ctx context.Context, accountID string, kind TemplateKind, payload NotificationPayload) (*DeliveryReceipt, error) {
	msg := renderNotification(kind, payload, "")
	receipt := &DeliveryReceipt{MessageID: "log-" + uuid.NewString()}
	s.logger.InfoContext(ctx, "notification",
		slog.String("account_id", accountID),
		slog.String("kind", string(kind)),
		slog.String("subject", msg.subject),
		slog.String("message_id", receipt.MessageID))
	return receipt, nil
}

type renderedNotification struct {
	subject string
	lines   []string
	action  string
	link    string
}

func renderNotification(kind TemplateKind, p NotificationPayload, baseURL string) renderedNotification {
	when := p.OccurredAt.UTC().Format(time.RFC1123)
	from := p.OriginIP
	if from == "" {
		from = "an unknown address"
	}

	switch kind {
	case TemplateAccountLocked:
		return renderedNotification{
			subject: "Your account has been temporarily locked",
			lines: []string{
				fmt.Sprintf("We locked your account at %s after repeated failed sign-in attempts from %s.", when, from),
				fmt.Sprintf("The lock lifts automatically at %s.", p.Details.String(models.DetailLockedUntil)),
			},
			action: "Wait until the lock lifts, then sign in again. If these attempts were not you, change your password once you are back in.",
		}
	case TemplateAccountUnlocked:
		return renderedNotification{
			subject: "Your account is unlocked",
			lines:   []string{fmt.Sprintf("The temporary lock on your account ended at %s.", when)},
			action:  "You can sign in again now.",
		}
	case TemplateSuspiciousActivity:
		return renderedNotification{
			subject: "Suspicious sign-in activity on your account",
			lines:   []string{fmt.Sprintf("Someone tried to sign in to your locked account at %s from %s.", when, from)},
			action:  "No action is needed while the lock holds. If this continues, contact support.",
		}
	case TemplateNewDeviceLogin:
		n := renderedNotification{
			subject: "Confirm a sign-in from a new device",
			lines: []string{
				fmt.Sprintf("A sign-in to your account from a device we do not recognize started at %s from %s.", when, from),
				fmt.Sprintf("Device: %s", models.DeviceLabel(p.Details.String(models.DetailUserAgent))),
				fmt.Sprintf("This request expires at %s.", p.Details.String(models.DetailExpiresAt)),
			},
			action: "Confirm the device if this was you. Deny it if it was not, and the sign-in will be blocked.",
		}
		if baseURL != "" {
			n.link = fmt.Sprintf("%s/devices/%s", baseURL, p.Details.String(models.DetailPendingID))
		}
		return n
	case TemplateDeviceConfirmed:
		return renderedNotification{
			subject: "New device confirmed",
			lines:   []string{fmt.Sprintf("A new device was confirmed for your account at %s.", when)},
			action:  "If you did not do this, review your devices and remove any you do not recognize.",
		}
	case TemplateDeviceDenied:
		reason := "was denied"
		if p.Details.String(models.DetailReason) == DenyReasonExpired {
			reason = "expired without a response"
		}
		return renderedNotification{
			subject: "A sign-in from a new device was blocked",
			lines:   []string{fmt.Sprintf("A sign-in request from a new device %s at %s.", reason, when)},
			action:  "No further action is needed. Sign in again from that device if it was you.",
		}
	}
	return renderedNotification{
		subject: "Security notice for your account",
		lines:   []string{fmt.Sprintf("A security event occurred on your account at %s.", when)},
		action:  "Review your account activity.",
	}
}

func (n renderedNotification) text() string {
	var b strings.Builder
	b.WriteString(n.subject + "\n\n")
	for _, line := range n.lines {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + n.action + "\n")
	if n.link != "" {
		b.WriteString("\n" + n.link + "\n")
	}
	b.WriteString("\nThis is an automated message. Please do not reply to this email.\n")
	return b.String()
}

func (n renderedNotification) html() string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"UTF-8\"></head><body>")
	b.WriteString("<h1>" + html.EscapeString(n.subject) + "</h1>")
	for _, line := range n.lines {
		b.WriteString("<p>" + html.EscapeString(line) + "</p>")
	}
	b.WriteString("<p><strong>" + html.EscapeString(n.action) + "</strong></p>")
	if n.link != "" {
		link := html.EscapeString(n.link)
		b.WriteString(`<p><a href="` + link + `">` + link + "</a></p>")
	}
	b.WriteString("<p style=\"color:#666;font-size:12px\">This is an automated message. Please do not reply to this email.</p>")
	b.WriteString("</body></html>")
	return b.String()
}
