package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through SES v2. Kind and clinic become message tags so
// bounces and opens can be broken down per clinic in the configuration set.
type SESSender struct {
	client           sesAPI
	fromEmail        string
	fromName         string
	configurationSet string
	logger           *logging.Logger
}

// SESConfig holds the fallback sender and optional configuration set.
type SESConfig struct {
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// NewSESSender returns nil for a nil client.
func NewSESSender(client sesAPI, cfg SESConfig, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "PearlFlow"
	}
	return &SESSender{
		client:           client,
		fromEmail:        cfg.FromEmail,
		fromName:         cfg.FromName,
		configurationSet: cfg.ConfigurationSet,
		logger:           logger,
	}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: SES client not configured")
	}

	id := msg.From.orDefault(s.fromEmail, s.fromName)
	body := &types.Body{}
	if msg.Body != "" {
		body.Text = utf8Content(msg.Body)
	}
	if msg.HTML != "" {
		body.Html = utf8Content(msg.HTML)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", id.Name, id.Email)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8Content(msg.Subject), Body: body},
		},
		EmailTags: messageTags(msg),
	}
	if id.ReplyTo != "" {
		input.ReplyToAddresses = []string{id.ReplyTo}
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("SES send failed", "error", err, "kind", msg.Kind, "clinic_id", msg.ClinicID)
		return fmt.Errorf("notify: SES send failed: %w", err)
	}

	s.logger.Info("email sent via SES", "kind", msg.Kind, "clinic_id", msg.ClinicID, "from", id.Email, "message_id", aws.ToString(output.MessageId))
	return nil
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

func messageTags(msg EmailMessage) []types.MessageTag {
	var tags []types.MessageTag
	if msg.Kind != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("kind"), Value: aws.String(tagValue(string(msg.Kind)))})
	}
	if msg.ClinicID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("clinic"), Value: aws.String(tagValue(msg.ClinicID))})
	}
	return tags
}

// tagValue keeps the characters SES allows in tag values.
func tagValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ EmailSender = (*SESSender)(nil)
