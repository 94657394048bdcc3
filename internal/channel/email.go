package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

// EmailConfig configures the SMTP relay transport.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration // relay dial/IO timeout; the breaker bounds the whole call
}

// Email delivers the minutes over an SMTP relay.
type Email struct {
	cfg    EmailConfig
	client *mail.Client
}

// NewEmail returns an email relay adapter.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" {
		return nil, errors.New("email relay host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("email sender address is required")
	}

	opts := []mail.Option{
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email relay client: %w", err)
	}
	return &Email{cfg: cfg, client: client}, nil
}

func (e *Email) Name() delivery.Channel { return delivery.ChannelEmail }

func (e *Email) Send(ctx context.Context, req *delivery.Request) error {
	msg, err := BuildMessage(req, e.cfg.From)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return classifySMTP(err)
	}
	return nil
}

// BuildMessage assembles the outgoing mail. Address validation failures are
// permanent: resubmitting the same recipients cannot succeed.
func BuildMessage(req *delivery.Request, from string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, delivery.Permanent(fmt.Errorf("sender address: %w", err))
	}
	addrs := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		addrs = append(addrs, r.Address)
	}
	if err := msg.To(addrs...); err != nil {
		return nil, delivery.Permanent(fmt.Errorf("recipient address: %w", err))
	}
	msg.Subject(req.Subject)
	msg.SetBodyString(mail.TypeTextHTML, req.Body)
	msg.SetGenHeader("X-MinuteRelay-Artifact", req.ArtifactRef)
	msg.SetGenHeader("X-MinuteRelay-Correlation", req.CorrelationID)
	return msg, nil
}

// classifySMTP maps a relay error onto the failure taxonomy. SMTP 4yz
// replies are temporary, 5yz are permanent; everything else (dial errors,
// resets) is worth retrying.
func classifySMTP(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return delivery.Timeout(err)
	}
	var se *mail.SendError
	if errors.As(err, &se) && !se.IsTemp() {
		return delivery.Permanent(err)
	}
	return delivery.Transient(err)
}
