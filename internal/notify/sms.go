package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/pearlflow/pkg/logging"
)

var smsTracer = otel.Tracer("pearlflow.internal.notify.sms")

const (
	telnyxMessagesURL = "https://api.telnyx.com/v2/messages"
	twilioAPIBase     = "https://api.twilio.com/2010-04-01"
	smsAttempts       = 3
)

// SMSMessage is a rendered patient text message.
type SMSMessage struct {
	Kind     Kind
	ClinicID string
	From     string
	To       string
	Body     string
}

// SMSSender delivers one patient text message.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}

func (m SMSMessage) validate(defaultFrom string) (SMSMessage, error) {
	if m.From == "" {
		m.From = defaultFrom
	}
	switch {
	case m.To == "":
		return m, errors.New("notify: sms to required")
	case m.From == "":
		return m, errors.New("notify: sms from required")
	case strings.TrimSpace(m.Body) == "":
		return m, errors.New("notify: sms body required")
	}
	return m, nil
}

// retrySend runs send up to smsAttempts times with a short jittered pause.
// send reports whether a failure is worth retrying.
func retrySend(ctx context.Context, send func() (retry bool, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= smsAttempts; attempt++ {
		retry, err := send()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == smsAttempts {
			break
		}
		pause := time.Duration(200+rand.Intn(300)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return lastErr
}

// retryable treats throttling and server errors as transient.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// TelnyxSender posts messages to the Telnyx v2 API.
type TelnyxSender struct {
	apiKey             string
	messagingProfileID string
	from               string
	endpoint           string
	httpClient         *http.Client
	logger             *logging.Logger
}

func NewTelnyxSender(apiKey, messagingProfileID, defaultFrom string, logger *logging.Logger) *TelnyxSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxSender{
		apiKey:             apiKey,
		messagingProfileID: messagingProfileID,
		from:               defaultFrom,
		endpoint:           telnyxMessagesURL,
		httpClient:         &http.Client{Timeout: 10 * time.Second},
		logger:             logger,
	}
}

func (s *TelnyxSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	if s.apiKey == "" {
		return errors.New("notify: telnyx api key missing")
	}
	msg, err := msg.validate(s.from)
	if err != nil {
		return err
	}

	ctx, span := smsTracer.Start(ctx, "notify.telnyx.send")
	defer span.End()
	span.SetAttributes(attribute.String("pearlflow.clinic_id", msg.ClinicID), attribute.String("pearlflow.kind", string(msg.Kind)))

	payload := map[string]string{"from": msg.From, "to": msg.To, "text": msg.Body}
	if s.messagingProfileID != "" {
		payload["messaging_profile_id"] = s.messagingProfileID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal telnyx payload: %w", err)
	}

	err = retrySend(ctx, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return s.do(req)
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("telnyx sms failed", "error", err, "kind", msg.Kind, "clinic_id", msg.ClinicID)
		return err
	}
	s.logger.Info("telnyx sms sent", "kind", msg.Kind, "clinic_id", msg.ClinicID)
	return nil
}

func (s *TelnyxSender) do(req *http.Request) (bool, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	var errorBody struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &errorBody) == nil && len(errorBody.Errors) > 0 {
		return retryable(resp.StatusCode), fmt.Errorf("notify: telnyx status %d: %s", resp.StatusCode, errorBody.Errors[0].Title)
	}
	return retryable(resp.StatusCode), fmt.Errorf("notify: telnyx status %d", resp.StatusCode)
}

// TwilioSender posts messages to the Twilio REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewTwilioSender(accountSID, authToken, defaultFrom string, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (s *TwilioSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	if s.accountSID == "" || s.authToken == "" {
		return errors.New("notify: twilio credentials missing")
	}
	msg, err := msg.validate(s.from)
	if err != nil {
		return err
	}

	ctx, span := smsTracer.Start(ctx, "notify.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("pearlflow.clinic_id", msg.ClinicID), attribute.String("pearlflow.kind", string(msg.Kind)))

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", msg.From)
	form.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	err = retrySend(ctx, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return false, err
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return false, nil
		}
		var twErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &twErr) == nil && twErr.Message != "" {
			return retryable(resp.StatusCode), fmt.Errorf("notify: twilio status %d (code %d): %s", resp.StatusCode, twErr.Code, twErr.Message)
		}
		return retryable(resp.StatusCode), fmt.Errorf("notify: twilio status %d", resp.StatusCode)
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("twilio sms failed", "error", err, "kind", msg.Kind, "clinic_id", msg.ClinicID)
		return err
	}
	s.logger.Info("twilio sms sent", "kind", msg.Kind, "clinic_id", msg.ClinicID)
	return nil
}

// StubSMSSender logs instead of sending.
type StubSMSSender struct {
	logger *logging.Logger
}

func NewStubSMSSender(logger *logging.Logger) *StubSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSMSSender{logger: logger}
}

func (s *StubSMSSender) SendSMS(_ context.Context, msg SMSMessage) error {
	s.logger.Info("stub sms sender: would send sms", "kind", msg.Kind, "clinic_id", msg.ClinicID, "length", len(msg.Body))
	return nil
}

var (
	_ SMSSender = (*TelnyxSender)(nil)
	_ SMSSender = (*TwilioSender)(nil)
	_ SMSSender = (*StubSMSSender)(nil)
)
