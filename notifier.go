package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers side-channel secrets to the account holder, usually by email.
// Any error is surfaced as ErrNotificationFailed by the core.
type Notifier interface {
	SendOtp(ctx context.Context, email, code string) error
	SendPasswordReset(ctx context.Context, email, rawToken string) error
	SendMagicLink(ctx context.Context, email, rawToken string) error
}

// Links builds the client facing URLs embedded in emails
type Links struct {
	// ClientURL is the base URL of the frontend, e.g. "https://app.example.com"
	ClientURL string
}

func (l Links) base() string {
	if l.ClientURL == "" {
		return "http://localhost:5173"
	}
	return strings.TrimRight(l.ClientURL, "/")
}

// ResetPasswordURL is where the reset email points
func (l Links) ResetPasswordURL(rawToken string) string {
	return l.base() + "/reset-password/" + rawToken
}

// MagicLoginURL is where the magic link email points
func (l Links) MagicLoginURL(rawToken string) string {
	return l.base() + "/magic-login/" + rawToken
}

// ConsoleNotifier is a development Notifier that writes messages to the log
// instead of sending them. Never use it in production, it logs the secrets.
type ConsoleNotifier struct {
	Links
	Logger *zap.Logger

	// Lifetimes quoted in message bodies
	OtpTTL       time.Duration
	ResetTTL     time.Duration
	MagicLinkTTL time.Duration
}

func (c *ConsoleNotifier) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *ConsoleNotifier) SendOtp(ctx context.Context, email, code string) error {
	c.log().Info("email: verification code",
		zap.String("to", email),
		zap.String("subject", "Your verification code"),
		zap.String("body", fmt.Sprintf("Your code is %s. It expires in %s.", code, minutes(c.OtpTTL, TokenExpiryOtp))))
	return nil
}

func (c *ConsoleNotifier) SendPasswordReset(ctx context.Context, email, rawToken string) error {
	c.log().Info("email: password reset",
		zap.String("to", email),
		zap.String("subject", "Reset your password"),
		zap.String("body", fmt.Sprintf("Reset your password here: %s. The link expires in %s.",
			c.ResetPasswordURL(rawToken), minutes(c.ResetTTL, TokenExpiryPasswordReset))))
	return nil
}

func (c *ConsoleNotifier) SendMagicLink(ctx context.Context, email, rawToken string) error {
	c.log().Info("email: magic link",
		zap.String("to", email),
		zap.String("subject", "Login with magic link"),
		zap.String("body", fmt.Sprintf("Log in here: %s. The link expires in %s.",
			c.MagicLoginURL(rawToken), minutes(c.MagicLinkTTL, TokenExpiryMagicLink))))
	return nil
}

// Message is one outgoing email, as rendered by a Notifier
type Message struct {
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const (
	MessageOtp           = "otp"
	MessagePasswordReset = "password_reset"
	MessageMagicLink     = "magic_link"
)

// WebhookNotifier posts each Message as JSON to URL, for a mail relay to
// deliver. Only the kind and recipient are logged.
type WebhookNotifier struct {
	Links
	URL string
	// Token, when set, is sent as a bearer token
	Token  string
	Client *http.Client
	Logger *zap.Logger

	OtpTTL       time.Duration
	ResetTTL     time.Duration
	MagicLinkTTL time.Duration
}

func (n *WebhookNotifier) SendOtp(ctx context.Context, email, code string) error {
	return n.post(ctx, Message{
		Kind:    MessageOtp,
		To:      email,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your code is %s. It expires in %s.", code, minutes(n.OtpTTL, TokenExpiryOtp)),
	})
}

func (n *WebhookNotifier) SendPasswordReset(ctx context.Context, email, rawToken string) error {
	return n.post(ctx, Message{
		Kind:    MessagePasswordReset,
		To:      email,
		Subject: "Reset your password",
		Body: fmt.Sprintf("Reset your password here: %s. The link expires in %s.",
			n.ResetPasswordURL(rawToken), minutes(n.ResetTTL, TokenExpiryPasswordReset)),
	})
}

func (n *WebhookNotifier) SendMagicLink(ctx context.Context, email, rawToken string) error {
	return n.post(ctx, Message{
		Kind:    MessageMagicLink,
		To:      email,
		Subject: "Login with magic link",
		Body: fmt.Sprintf("Log in here: %s. The link expires in %s.",
			n.MagicLoginURL(rawToken), minutes(n.MagicLinkTTL, TokenExpiryMagicLink)),
	})
}

func (n *WebhookNotifier) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", msg.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s message: %w", msg.Kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to deliver %s message: HTTP %d", msg.Kind, resp.StatusCode)
	}

	log := n.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification sent", zap.String("kind", msg.Kind))
	log.Debug("notification recipient", zap.String("kind", msg.Kind), zap.String("to", msg.To))
	return nil
}

func minutes(d, def time.Duration) string {
	if d <= 0 {
		d = def
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}

func notificationFailed(err error) error {
	if err == nil {
		return nil
	}
	return ErrNotificationFailed.Wrap(err)
}
