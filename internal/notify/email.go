package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// Kind groups patient messages for provider analytics and per-kind
// suppression.
type Kind string

const (
	KindBookingConfirmation Kind = "booking_confirmation"
	KindMoveOffer           Kind = "move_offer"
	KindMoveResult          Kind = "move_result"
	KindWaitlistOpening     Kind = "waitlist_opening"
	KindReminder            Kind = "appointment_reminder"
)

// Identity is who a message appears to come from. Empty fields fall back to
// the sender's configured defaults.
type Identity struct {
	Email   string
	Name    string
	ReplyTo string
}

func (id Identity) orDefault(email, name string) Identity {
	if strings.TrimSpace(id.Email) == "" {
		id.Email = email
	}
	if strings.TrimSpace(id.Name) == "" {
		id.Name = name
	}
	return id
}

// EmailSender delivers one patient email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a rendered patient email.
type EmailMessage struct {
	Kind     Kind
	ClinicID string
	From     Identity
	To       string
	ToName   string
	Subject  string
	Body     string
	HTML     string
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends through the SendGrid v3 API. Messages are tagged with
// their kind as a category and the clinic id as a custom arg.
type SendGridSender struct {
	client    sendgridAPI
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds the API key and the fallback sender.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil without an API key.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "PearlFlow"
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}

	id := msg.From.orDefault(s.fromEmail, s.fromName)
	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	message := mail.NewSingleEmail(mail.NewEmail(id.Name, id.Email), msg.Subject, mail.NewEmail(msg.ToName, msg.To), msg.Body, html)
	if id.ReplyTo != "" {
		message.SetReplyTo(mail.NewEmail(id.Name, id.ReplyTo))
	}
	if msg.Kind != "" {
		message.AddCategories(string(msg.Kind))
	}
	if msg.ClinicID != "" && len(message.Personalizations) > 0 {
		message.Personalizations[0].SetCustomArg("clinic_id", msg.ClinicID)
	}

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "kind", msg.Kind, "clinic_id", msg.ClinicID)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status", "status", response.StatusCode, "body", response.Body, "kind", msg.Kind)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}

	s.logger.Info("email sent via sendgrid", "kind", msg.Kind, "clinic_id", msg.ClinicID, "from", id.Email, "status", response.StatusCode)
	return nil
}

// StubEmailSender logs instead of sending.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("stub email sender: would send email", "kind", msg.Kind, "clinic_id", msg.ClinicID, "subject", msg.Subject)
	return nil
}
