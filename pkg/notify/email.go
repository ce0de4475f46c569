// Package notify delivers onboarding and rotation notifications over SMTP.
// Delivery is best-effort; callers log failures and never fail the
// triggering operation.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/anirudhbiyani/svcacct-manager/pkg/svcacct"
)

// EmailNotifier is an SMTP-backed svcacct.Notifier.
type EmailNotifier struct {
	addr string
	from string
	send func(addr, from string, to []string, msg []byte) error
}

// NewEmail creates a notifier from configuration.
func NewEmail(cfg svcacct.EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		from: cfg.From,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Notify implements svcacct.Notifier. Template variables render as a plain
// key/value block in the message body.
func (n *EmailNotifier) Notify(ctx context.Context, recipient, subject string, vars map[string]string) error {
	if recipient == "" {
		return svcacct.ErrValidation("notification recipient is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", n.from)
	fmt.Fprintf(&body, "To: %s\r\n", recipient)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\r\n", k, vars[k])
	}

	if err := n.send(n.addr, n.from, []string{recipient}, []byte(body.String())); err != nil {
		return svcacct.ErrBackend("mail delivery failed").WithCause(err)
	}
	return nil
}
