// Package mail delivers verification, reset and login-challenge messages.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"txgate/internal/observability"
)

type Sender interface {
	SendEmailVerification(ctx context.Context, to, token, code, appName string) error
	SendPasswordReset(ctx context.Context, to, token, code, appName string) error
	SendLoginChallenge(ctx context.Context, to, token, code, appName string) error
}

type Message struct {
	To      string
	Subject string
	Body    string
}

type templateData struct {
	AppName string
	Token   string
	Code    string
}

var (
	verificationTmpl = template.Must(template.New("verification").Parse(
		"Welcome to {{.AppName}}.\r\n\r\nYour verification code is {{.Code}}.\r\nVerification token: {{.Token}}\r\n"))
	resetTmpl = template.Must(template.New("reset").Parse(
		"A password reset was requested for your {{.AppName}} account.\r\n\r\nYour reset code is {{.Code}}.\r\nReset token: {{.Token}}\r\n\r\nIf this was not you, ignore this message.\r\n"))
	challengeTmpl = template.Must(template.New("challenge").Parse(
		"A sign-in to {{.AppName}} from a new device needs confirmation.\r\n\r\nYour login code is {{.Code}}.\r\n"))
)

func render(tmpl *template.Template, to, subject, token, code, appName string) (Message, error) {
	var body bytes.Buffer
	if err := tmpl.Execute(&body, templateData{AppName: appName, Token: token, Code: code}); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return Message{To: to, Subject: subject, Body: body.String()}, nil
}

// SMTPSender delivers through a plain SMTP relay with optional PLAIN auth.
type SMTPSender struct {
	addr    string
	from    string
	auth    smtp.Auth
	timeout time.Duration
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(addr, username, password, from string) (*SMTPSender, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse smtp addr: %w", err)
	}

	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	return &SMTPSender{
		addr:    addr,
		from:    from,
		auth:    auth,
		timeout: 10 * time.Second,
		send:    smtp.SendMail,
	}, nil
}

func (s *SMTPSender) SendEmailVerification(ctx context.Context, to, token, code, appName string) error {
	msg, err := render(verificationTmpl, to, appName+": verify your email", token, code, appName)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, token, code, appName string) error {
	msg, err := render(resetTmpl, to, appName+": password reset", token, code, appName)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *SMTPSender) SendLoginChallenge(ctx context.Context, to, token, code, appName string) error {
	msg, err := render(challengeTmpl, to, appName+": confirm sign-in", token, code, appName)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *SMTPSender) deliver(ctx context.Context, msg Message) error {
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("invalid mail header")
	}

	raw := []byte("From: " + s.from + "\r\n" +
		"To: " + msg.To + "\r\n" +
		"Subject: " + msg.Subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
		msg.Body)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.send(s.addr, s.auth, s.from, []string{msg.To}, raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send mail: %w", ctx.Err())
	}
}

// LogSender only records that a message would have been sent. Secrets are
// never written.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmailVerification(_ context.Context, to, _, _, appName string) error {
	s.log("email_verification", to, appName)
	return nil
}

func (s *LogSender) SendPasswordReset(_ context.Context, to, _, _, appName string) error {
	s.log("password_reset", to, appName)
	return nil
}

func (s *LogSender) SendLoginChallenge(_ context.Context, to, _, _, appName string) error {
	s.log("login_challenge", to, appName)
	return nil
}

func (s *LogSender) log(kind, to, appName string) {
	s.logger.Info("mail_suppressed", map[string]any{"kind": kind, "to": to, "app": appName})
}
