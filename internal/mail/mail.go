package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Sender dispatches transactional mail. Delivery failures are logged and
// reported to the caller, but the caller treats them as non-fatal for the
// primary flow.
type Sender interface {
	SendVerification(to, firstName, token string) error
	SendParentalConsent(to, childFirstName, token string) error
	SendPasswordReset(to, firstName, token string) error
}

type SMTPSender struct {
	host        string
	port        int
	user        string
	password    string
	from        string
	frontendURL string
	log         *zap.Logger
}

func NewSMTPSender(host string, port int, user, password, from, frontendURL string, log *zap.Logger) *SMTPSender {
	return &SMTPSender{
		host:        host,
		port:        port,
		user:        user,
		password:    password,
		from:        from,
		frontendURL: frontendURL,
		log:         log,
	}
}

func (s *SMTPSender) SendVerification(to, firstName, token string) error {
	link := s.frontendURL + "/verify-email?token=" + token
	body := fmt.Sprintf(
		"Hi %s,\r\n\r\nWelcome to NeuroLearn. Please verify your email address by visiting:\r\n%s\r\n\r\nThis link expires in 24 hours.\r\n",
		firstName, link)
	return s.send(to, "Welcome to NeuroLearn - Please Verify Your Email", body)
}

func (s *SMTPSender) SendParentalConsent(to, childFirstName, token string) error {
	link := s.frontendURL + "/parental-consent?token=" + token
	body := fmt.Sprintf(
		"Hello,\r\n\r\n%s has registered for a NeuroLearn account. Because your child is under 13, "+
			"we need your verifiable consent before the account can be activated:\r\n%s\r\n\r\n"+
			"This link expires in 7 days. If you did not expect this email you can ignore it.\r\n",
		childFirstName, link)
	return s.send(to, "Parental Consent Required for NeuroLearn", body)
}

func (s *SMTPSender) SendPasswordReset(to, firstName, token string) error {
	link := s.frontendURL + "/reset-password?token=" + token
	body := fmt.Sprintf(
		"Hi %s,\r\n\r\nA password reset was requested for your account. Reset it here:\r\n%s\r\n\r\n"+
			"This link expires in 1 hour. If you did not request this, ignore this email.\r\n",
		firstName, link)
	return s.send(to, "NeuroLearn Password Reset", body)
}

func (s *SMTPSender) send(to, subject, body string) error {
	headers := map[string]string{
		"From":         s.from,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": `text/plain; charset="utf-8"`,
	}

	var msg strings.Builder
	for key, value := range headers {
		msg.WriteString(key)
		msg.WriteString(": ")
		msg.WriteString(value)
		msg.WriteString("\r\n")
	}
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.password, s.host)
	}
	if err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(msg.String())); err != nil {
		s.log.Error("mail delivery failed", zap.String("to", to), zap.String("subject", subject), zap.Error(err))
		return err
	}
	s.log.Info("mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// NoOpSender backs development and tests when no SMTP host is configured.
// Tokens are live credentials, so only their presence is logged.
type NoOpSender struct {
	log *zap.Logger
}

func NewNoOpSender(log *zap.Logger) *NoOpSender {
	return &NoOpSender{log: log}
}

func (n *NoOpSender) SendVerification(to, _, token string) error {
	n.skip(to, "verification", token)
	return nil
}

func (n *NoOpSender) SendParentalConsent(to, _, token string) error {
	n.skip(to, "parental_consent", token)
	return nil
}

func (n *NoOpSender) SendPasswordReset(to, _, token string) error {
	n.skip(to, "password_reset", token)
	return nil
}

func (n *NoOpSender) skip(to, kind, token string) {
	n.log.Info("mail skipped (no smtp host)",
		zap.String("to", to),
		zap.String("kind", kind),
		zap.Bool("hasToken", token != ""),
	)
}
