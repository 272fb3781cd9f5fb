// Package email sends completion notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	boundary := "boundary-freely"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// Completion describes a finished background job for the owner.
type Completion struct {
	UserName   string
	RecordType string // "analysis" or "proposal"
	ClientName string
	Succeeded  bool
	Error      string
}

// SendCompletion tells the owner that an analysis or proposal finished.
func (s *Service) SendCompletion(to string, c Completion) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("send completion: empty recipient")
	}
	data := completionData{
		AppName:    "Freely",
		UserName:   firstNonEmpty(c.UserName, "there"),
		Noun:       noun(c.RecordType),
		ClientName: c.ClientName,
		Succeeded:  c.Succeeded,
		Error:      c.Error,
	}

	html, err := renderTemplate(completionTemplate, data)
	if err != nil {
		return fmt.Errorf("render completion template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, completionSubject(data), completionText(data), html)
}

type completionData struct {
	AppName    string
	UserName   string
	Noun       string
	ClientName string
	Succeeded  bool
	Error      string
}

func completionSubject(d completionData) string {
	subject := fmt.Sprintf("Your %s is ready", d.Noun)
	if !d.Succeeded {
		subject = fmt.Sprintf("Your %s could not be completed", d.Noun)
	}
	if d.ClientName != "" {
		subject += " (" + d.ClientName + ")"
	}
	return subject
}

func completionText(d completionData) string {
	if d.Succeeded {
		return fmt.Sprintf("Hi %s,\r\n\r\nYour %s has finished and is ready in %s.", d.UserName, d.Noun, d.AppName)
	}
	return fmt.Sprintf("Hi %s,\r\n\r\nYour %s failed: %s", d.UserName, d.Noun, d.Error)
}

func noun(recordType string) string {
	if recordType == "analysis" {
		return "risk analysis"
	}
	return "proposal"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var completionTemplate = template.Must(template.New("completion").Parse(completionHTML))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const completionHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .error { background: #fdecea; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>
    {{if .Succeeded}}
    <p>Your {{.Noun}}{{if .ClientName}} for <strong>{{.ClientName}}</strong>{{end}} has finished and is ready to review.</p>
    {{else}}
    <p>Your {{.Noun}}{{if .ClientName}} for <strong>{{.ClientName}}</strong>{{end}} could not be completed.</p>
    <div class="error">{{.Error}}</div>
    {{end}}

    <div class="footer">
        <p>You are receiving this because you started this job in {{.AppName}}.</p>
    </div>
</body>
</html>`
