// Package mailer delivers the timesheet workbook by SMTP.
package mailer

import (
	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"gopkg.in/gomail.v2"
)

type Mailer struct {
	Settings *config.Settings
}

func New(settings *config.Settings) *Mailer {
	return &Mailer{Settings: settings}
}

// Configured reports whether SMTP delivery is fully configured.
func (m *Mailer) Configured() bool {
	s := m.Settings
	return s.SMTPHost != "" && s.SMTPUser != "" && s.SMTPPass != "" && len(s.ReportEmails) > 0
}

// SendFile mails the file as an attachment to the report recipients.
// Silently no-ops when SMTP is not configured.
func (m *Mailer) SendFile(subject string, body string, filePath string) error {
	if !m.Configured() {
		return nil
	}
	s := m.Settings

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.SMTPUser)
	msg.SetHeader("To", s.ReportEmails...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	msg.Attach(filePath)

	dialer := gomail.NewDialer(s.SMTPHost, s.SMTPPort, s.SMTPUser, s.SMTPPass)
	dialer.SSL = true
	return dialer.DialAndSend(msg)
}
