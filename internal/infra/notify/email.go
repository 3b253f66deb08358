package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

const defaultEmailTimeout = 15 * time.Second

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Server   string
	Port     int
	From     string
	Password string
	To       []string
}

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// EmailSink sends plain text mail, upgrading to STARTTLS when the server
// offers it. A send never outlives the caller's context.
type EmailSink struct {
	cfg  EmailConfig
	send sendFunc
}

func NewEmailSink(cfg EmailConfig) *EmailSink {
	s := &EmailSink{cfg: cfg}
	s.send = s.dialAndSend
	return s
}

// ParseRecipients splits a comma separated address list.
func ParseRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *EmailSink) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.message(n)
	if err != nil {
		return err
	}

	// The SMTP exchange runs aside so a stalled server cannot hold the caller
	// past its deadline; the client timeout ends it eventually.
	errc := make(chan error, 1)
	go func() { errc <- s.send(ctx, msg) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

func (s *EmailSink) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(timeoutFrom(ctx)),
	}
	if s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.From),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Server, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// timeoutFrom bounds each SMTP step by the context deadline when one is set.
func timeoutFrom(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultEmailTimeout
	}
	if d := time.Until(deadline); d > 0 && d < defaultEmailTimeout {
		return d
	}
	return defaultEmailTimeout
}

func (s *EmailSink) message(n Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.cfg.From, err)
	}
	if err := msg.To(s.cfg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(n.Title())
	msg.SetBodyString(mail.TypeTextPlain, body(n))
	return msg, nil
}

func body(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity: %s\r\n", n.Severity)
	fmt.Fprintf(&b, "Pipeline: %s\r\n", n.PipelineName)
	fmt.Fprintf(&b, "Run ID: %s\r\n", n.RunID)
	fmt.Fprintf(&b, "Time: %s\r\n\r\n", n.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reason:\r\n%s\r\n", n.Rationale)
	if len(n.RecommendedActions) > 0 {
		b.WriteString("\r\nRecommended actions:\r\n")
		for i, a := range n.RecommendedActions {
			fmt.Fprintf(&b, "%d. %s\r\n", i+1, a)
		}
	}
	return b.String()
}
