// Package notify sends the run summary email: a Graph-style sendMail call
// first, with an SMTP fallback when one is configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// DefaultBaseURL is the production mail API endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Summary carries the counts the notification reports.
type Summary struct {
	Date string

	AreasTotal     int
	AreasSucceeded int
	AreasFailed    int

	EmployeesTotal     int
	EmployeesSucceeded int
	EmployeesFailed    int
}

// Subject is the notification subject line.
func (s Summary) Subject() string {
	return "PDF Generation Report - " + s.Date
}

// SMTPConfig configures the fallback transport. An empty Server disables it.
type SMTPConfig struct {
	Server   string
	Port     int
	Password string
}

func (c SMTPConfig) enabled() bool {
	return c.Server != "" && c.Port > 0
}

// Mailer sends run notifications from one sender mailbox.
type Mailer struct {
	http       *http.Client
	baseURL    string
	sender     string
	recipients []string
	cc         []string
	smtp       SMTPConfig
	log        *zap.Logger
}

type Option func(*Mailer)

// WithBaseURL points the mailer at a non-production endpoint.
func WithBaseURL(u string) Option {
	return func(m *Mailer) { m.baseURL = strings.TrimRight(u, "/") }
}

// WithSMTPFallback enables the SMTP transport for when the primary fails.
func WithSMTPFallback(cfg SMTPConfig) Option {
	return func(m *Mailer) { m.smtp = cfg }
}

func NewMailer(httpClient *http.Client, sender string, recipients, cc []string, log *zap.Logger, opts ...Option) (*Mailer, error) {
	if sender == "" {
		return nil, errors.New("notify: sender is empty")
	}
	if len(recipients) == 0 {
		return nil, errors.New("notify: no recipients")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mailer{
		http:       httpClient,
		baseURL:    DefaultBaseURL,
		sender:     sender,
		recipients: recipients,
		cc:         cc,
		log:        log,
	}
	for _, apply := range opts {
		apply(m)
	}
	return m, nil
}

// Send delivers the summary. The primary transport is tried first; when it
// fails and SMTP is configured, the same message goes out that way. An error
// comes back only when every configured transport failed.
func (m *Mailer) Send(ctx context.Context, sum Summary) error {
	body := htmlBody(sum)

	primaryErr := m.sendPrimary(ctx, sum.Subject(), body)
	if primaryErr == nil {
		m.log.Info("notification sent", zap.Int("recipients", len(m.recipients)))
		return nil
	}

	if !m.smtp.enabled() {
		return fmt.Errorf("notify: send mail: %w", primaryErr)
	}
	m.log.Warn("primary mail transport failed, trying SMTP fallback", zap.Error(primaryErr))

	if smtpErr := m.sendSMTP(ctx, sum.Subject(), body); smtpErr != nil {
		return fmt.Errorf("notify: both transports failed: primary: %v; smtp: %w", primaryErr, smtpErr)
	}
	m.log.Info("notification sent via SMTP fallback", zap.Int("recipients", len(m.recipients)))
	return nil
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func recipientsOf(addrs []string) []recipient {
	out := make([]recipient, len(addrs))
	for i, a := range addrs {
		out[i].EmailAddress.Address = a
	}
	return out
}

func (m *Mailer) sendPrimary(ctx context.Context, subject, body string) error {
	payload := map[string]any{
		"message": map[string]any{
			"subject": subject,
			"body": map[string]string{
				"contentType": "HTML",
				"content":     body,
			},
			"toRecipients": recipientsOf(m.recipients),
			"ccRecipients": recipientsOf(m.cc),
		},
		"saveToSentItems": true,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	u := fmt.Sprintf("%s/users/%s/sendMail", m.baseURL, url.PathEscape(m.sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (m *Mailer) sendSMTP(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.sender); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(m.recipients...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	if len(m.cc) > 0 {
		if err := msg.Cc(m.cc...); err != nil {
			return fmt.Errorf("set cc: %w", err)
		}
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	client, err := mail.NewClient(m.smtp.Server,
		mail.WithPort(m.smtp.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.sender),
		mail.WithPassword(m.smtp.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
