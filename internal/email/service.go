// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
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

	// Simple multipart message
	boundary := "boundary-storyguard"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// BackupFailureData holds data for the backup failure alert template
type BackupFailureData struct {
	AppName     string
	Database    string
	Reason      string
	Consecutive int
	OccurredAt  string
}

// RestoreNoticeData holds data for the restore notice template
type RestoreNoticeData struct {
	AppName    string
	Database   string
	BackupFile string
	RestoredAt string
}

// SendBackupFailureAlert notifies that a database backup failed.
func (s *Service) SendBackupFailureAlert(to, database, reason string, consecutive int) error {
	data := BackupFailureData{
		AppName:     "StoryGuard",
		Database:    database,
		Reason:      reason,
		Consecutive: consecutive,
		OccurredAt:  time.Now().UTC().Format(time.RFC1123),
	}

	subject := fmt.Sprintf("Backup failed for %q", database)
	html, err := renderTemplate(backupFailureEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render backup failure template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendRestoreNotice notifies that a database was restored from a backup.
func (s *Service) SendRestoreNotice(to, database, backupFile string) error {
	data := RestoreNoticeData{
		AppName:    "StoryGuard",
		Database:   database,
		BackupFile: backupFile,
		RestoredAt: time.Now().UTC().Format(time.RFC1123),
	}

	subject := fmt.Sprintf("%q was restored from a backup", database)
	html, err := renderTemplate(restoreNoticeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render restore notice template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const backupFailureEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} backup failure</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #f6f6f6; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Backup failed</h2>

    <p>The scheduled backup of <strong>{{.Database}}</strong> did not complete.</p>

    <div class="detail">
        <p><strong>Reason:</strong> {{.Reason}}</p>
        <p><strong>At:</strong> {{.OccurredAt}}</p>
    </div>

    {{if gt .Consecutive 2}}
    <div class="warning">
        <strong>Important:</strong> this is failure number {{.Consecutive}} in a row. Your story data has not been backed up since the last successful run.
    </div>
    {{end}}

    <p>Check that the backup location is reachable and has free space, then trigger a manual backup.</p>

    <div class="footer">
        <p>You are receiving this because backup alerts are enabled for {{.AppName}}.</p>
    </div>
</body>
</html>`

const restoreNoticeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} restore notice</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .detail { background: #f6f6f6; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Database restored</h2>

    <p><strong>{{.Database}}</strong> was restored from a backup. The previous state was saved as a safety backup first.</p>

    <div class="detail">
        <p><strong>Backup file:</strong> {{.BackupFile}}</p>
        <p><strong>At:</strong> {{.RestoredAt}}</p>
    </div>

    <div class="footer">
        <p>You are receiving this because backup alerts are enabled for {{.AppName}}.</p>
    </div>
</body>
</html>`
