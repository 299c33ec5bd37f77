// Package email renders and sends the two kinds of mail the dispatcher
// and escalation sweep produce: bead status-change notifications and
// escalation alerts.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-beadhub"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// NotificationData renders a bead status-change notification.
type NotificationData struct {
	Alias    string
	BeadID   string
	From     string
	To       string
	Subject  string
	Body     string
}

// SendNotificationEmail delivers an outbox-driven status-change
// notification to a workspace's registered human_name mailbox, when one
// is configured as the escalation/notify address for this project.
func (s *Service) SendNotificationEmail(to, alias, beadID, fromStatus, toStatus string) error {
	data := NotificationData{
		Alias:  alias,
		BeadID: beadID,
		From:   fromStatus,
		To:     toStatus,
	}
	subject := fmt.Sprintf("%s moved from %s to %s", beadID, fromStatus, toStatus)
	html, err := renderTemplate(notificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// EscalationData renders an escalation alert.
type EscalationData struct {
	Alias     string
	Subject   string
	Situation string
	Options   []string
	ExpiresAt string
}

// SendEscalationEmail notifies the configured escalation address that a
// workspace is blocked and waiting on a human decision.
func (s *Service) SendEscalationEmail(to, alias, subject, situation string, options []string, expiresAt string) error {
	data := EscalationData{Alias: alias, Subject: subject, Situation: situation, Options: options, ExpiresAt: expiresAt}
	html, err := renderTemplate(escalationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render escalation template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, fmt.Sprintf("Escalation: %s", subject), html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.BeadID}} status changed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .transition { font-weight: bold; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>BeadHub</h1>
    </div>
    <p>Hi {{.Alias}},</p>
    <p>{{.BeadID}} changed status: <span class="transition">{{.From}} &rarr; {{.To}}</span></p>
    <div class="footer">
        <p>You are receiving this because you subscribed to status changes on this bead.</p>
    </div>
</body>
</html>`

const escalationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Escalation: {{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        .situation { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>BeadHub escalation</h1>
    </div>
    <p>{{.Alias}} is blocked: <strong>{{.Subject}}</strong></p>
    <div class="situation">{{.Situation}}</div>
    {{if .Options}}<p>Options: {{range .Options}}{{.}} {{end}}</p>{{end}}
    <div class="footer">
        <p>This escalation expires at {{.ExpiresAt}} if no one responds.</p>
    </div>
</body>
</html>`
