package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

func init() {
	RegisterTransport("email", newEmailTransport)
}

// emailTransport delivers alerts over SMTP. Section options:
//
//	host     – SMTP server hostname (required)
//	port     – SMTP port (default 587)
//	from     – envelope sender (required)
//	username – SMTP auth user (optional; enables plain auth)
//	password – SMTP auth password
//	starttls – "no" disables opportunistic STARTTLS
type emailTransport struct {
	host     string
	port     int
	from     string
	username string
	password string
	starttls bool
}

func newEmailTransport(opts map[string]string, _ *slog.Logger) (Transport, error) {
	t := &emailTransport{
		host:     opts["host"],
		port:     587,
		from:     opts["from"],
		username: opts["username"],
		password: opts["password"],
		starttls: !strings.EqualFold(opts["starttls"], "no"),
	}
	if t.host == "" {
		return nil, fmt.Errorf("notify: email transport: host is required")
	}
	if t.from == "" {
		return nil, fmt.Errorf("notify: email transport: from is required")
	}
	if p := opts["port"]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("notify: email transport: invalid port %q", p)
		}
		t.port = port
	}
	return t, nil
}

// Dispatch sends one message to all comma-separated recipients in address.
func (t *emailTransport) Dispatch(ctx context.Context, address, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(t.from); err != nil {
		return fmt.Errorf("notify: email from %q: %w", t.from, err)
	}
	for _, rcpt := range strings.Split(address, ",") {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			continue
		}
		if err := msg.AddTo(rcpt); err != nil {
			return fmt.Errorf("notify: email to %q: %w", rcpt, err)
		}
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	clientOpts := []gomail.Option{gomail.WithPort(t.port)}
	if t.starttls {
		clientOpts = append(clientOpts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	} else {
		clientOpts = append(clientOpts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if t.username != "" {
		clientOpts = append(clientOpts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(t.username),
			gomail.WithPassword(t.password))
	}

	client, err := gomail.NewClient(t.host, clientOpts...)
	if err != nil {
		return fmt.Errorf("notify: email client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("notify: email send: %w", err)
	}
	return nil
}
