package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Mailer defines the interface for outbound notification email. Every
// send is advisory: callers log failures and continue, mail delivery
// never blocks an authentication state machine.
type Mailer interface {
	SendTwoFactorCode(ctx context.Context, email, code string) error
	SendNewDeviceNotice(ctx context.Context, email, deviceName, ip string) error
	SendEmergencyInvite(ctx context.Context, email, grantorName string) error
	SendRecoveryInitiated(ctx context.Context, email, granteeName string, waitDays int) error
	SendRecoveryReminder(ctx context.Context, email, granteeName string, daysLeft int) error
	SendRecoveryApproved(ctx context.Context, email, grantorName string) error
}

// AWSSESMailer sends emails using AWS SES
type AWSSESMailer struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESMailer creates a new AWS SES mailer
func NewAWSSESMailer(region, fromAddress string, logger *slog.Logger) (*AWSSESMailer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESMailer{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

func (m *AWSSESMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	subject := "Your verification code"
	body := fmt.Sprintf(
		"Your sign-in verification code is: %s\n\n"+
			"This code expires with your login attempt. If you did not try to sign in, change your master password immediately.",
		code)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) SendNewDeviceNotice(ctx context.Context, email, deviceName, ip string) error {
	subject := "New device signed in to your account"
	body := fmt.Sprintf(
		"A sign-in from a device we have not seen before just completed.\n\n"+
			"Device: %s\nIP address: %s\n\n"+
			"If this was you, no action is needed. If not, change your master password immediately and review your trusted devices.",
		deviceName, ip)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) SendEmergencyInvite(ctx context.Context, email, grantorName string) error {
	subject := "Emergency access invitation"
	body := fmt.Sprintf(
		"%s has invited you as an emergency contact for their vault.\n\n"+
			"Sign in or create an account with this email address to accept the invitation.",
		grantorName)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) SendRecoveryInitiated(ctx context.Context, email, granteeName string, waitDays int) error {
	subject := "Emergency access requested"
	body := fmt.Sprintf(
		"%s has requested emergency access to your vault.\n\n"+
			"The request will be granted automatically in %d days unless you reject it. "+
			"Sign in now to approve or reject the request.",
		granteeName, waitDays)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) SendRecoveryReminder(ctx context.Context, email, granteeName string, daysLeft int) error {
	subject := "Emergency access request pending"
	body := fmt.Sprintf(
		"Reminder: the emergency access request from %s is still pending.\n\n"+
			"It will be granted automatically in %d days unless you reject it.",
		granteeName, daysLeft)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) SendRecoveryApproved(ctx context.Context, email, grantorName string) error {
	subject := "Emergency access granted"
	body := fmt.Sprintf(
		"Your emergency access request for %s's vault has been granted. You can now access it from your account.",
		grantorName)
	return m.send(ctx, email, subject, body)
}

func (m *AWSSESMailer) send(ctx context.Context, to, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(m.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := m.sesClient.SendEmail(ctx, input); err != nil {
		m.logger.Error("failed to send email via SES",
			slog.String("subject", subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// NoopMailer discards all mail. Used when no mail backend is configured.
type NoopMailer struct {
	logger *slog.Logger
}

func NewNoopMailer(logger *slog.Logger) *NoopMailer {
	return &NoopMailer{logger: logger}
}

func (m *NoopMailer) log(kind, email string) error {
	m.logger.Info("mail delivery disabled, dropping message",
		slog.String("kind", kind), slog.String("email", email))
	return nil
}

func (m *NoopMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	return m.log("two_factor_code", email)
}

func (m *NoopMailer) SendNewDeviceNotice(ctx context.Context, email, deviceName, ip string) error {
	return m.log("new_device", email)
}

func (m *NoopMailer) SendEmergencyInvite(ctx context.Context, email, grantorName string) error {
	return m.log("emergency_invite", email)
}

func (m *NoopMailer) SendRecoveryInitiated(ctx context.Context, email, granteeName string, waitDays int) error {
	return m.log("recovery_initiated", email)
}

func (m *NoopMailer) SendRecoveryReminder(ctx context.Context, email, granteeName string, daysLeft int) error {
	return m.log("recovery_reminder", email)
}

func (m *NoopMailer) SendRecoveryApproved(ctx context.Context, email, grantorName string) error {
	return m.log("recovery_approved", email)
}
