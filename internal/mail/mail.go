package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/scheduler"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

const DefaultTimeout = 30 * time.Second

var ErrNoRecipient = errors.New("no recipient")

// Address is one mailbox. Name may be empty.
type Address struct {
	Name  string
	Email string
}

// String formats the address for a header, encoding the name when needed.
func (a Address) String() string {
	return (&netmail.Address{Name: a.Name, Address: a.Email}).String()
}

// ParseAddressList accepts a comma separated list of plain or
// "Name <addr>" addresses.
func ParseAddressList(s string) ([]Address, error) {
	list, err := netmail.ParseAddressList(s)
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out, nil
}

// Transport delivers a built message.
type Transport interface {
	Send(ctx context.Context, msg *gomail.Msg) error
}

// SMTPTransport sends through the configured relay.
type SMTPTransport struct {
	cfg     config.Email
	timeout time.Duration
}

func NewSMTPTransport(cfg config.Email, timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SMTPTransport{cfg: cfg, timeout: timeout}
}

// hostPort splits emailHost, defaulting the port from the encryption mode.
func hostPort(cfg config.Email) (string, int) {
	port := 25
	if cfg.Encryption == "ssl" {
		port = 465
	}
	host, p, err := net.SplitHostPort(cfg.Host)
	if err != nil {
		return cfg.Host, port
	}
	if n, err := strconv.Atoi(p); err == nil {
		port = n
	}
	return host, port
}

func (t *SMTPTransport) options() []gomail.Option {
	_, port := hostPort(t.cfg)
	opts := []gomail.Option{gomail.WithPort(port), gomail.WithTimeout(t.timeout)}
	switch t.cfg.Encryption {
	case "ssl":
		opts = append(opts, gomail.WithSSL())
	case "starttls":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(t.cfg.Username),
			gomail.WithPassword(t.cfg.Password),
		)
	}
	return opts
}

func (t *SMTPTransport) Send(ctx context.Context, msg *gomail.Msg) error {
	host, _ := hostPort(t.cfg)
	c, err := gomail.NewClient(host, t.options()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s: %w", host, err)
	}
	return nil
}

// Dispatcher builds multipart messages and hands them to a Transport,
// either inline or through the scheduler's ad-hoc pool.
type Dispatcher struct {
	cfg       config.Email
	transport Transport
	sched     *scheduler.Scheduler
	logger    *zap.SugaredLogger
	skipOnce  sync.Once
}

func NewDispatcher(cfg config.Email, transport Transport, sched *scheduler.Scheduler, logger *zap.SugaredLogger) *Dispatcher {
	if transport == nil {
		transport = NewSMTPTransport(cfg, DefaultTimeout)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{cfg: cfg, transport: transport, sched: sched, logger: logger}
}

// Enabled reports whether a relay and a sender are configured.
func (d *Dispatcher) Enabled() bool {
	return strings.TrimSpace(d.cfg.Host) != "" && strings.TrimSpace(d.cfg.Sender) != ""
}

// Send delivers the message now. Without a relay or sender it does nothing.
func (d *Dispatcher) Send(ctx context.Context, subject string, to []Address, body string) error {
	if !d.Enabled() {
		d.skipOnce.Do(func() {
			d.logger.Infow("email not configured; messages are discarded", "host_set", d.cfg.Host != "", "sender_set", d.cfg.Sender != "")
		})
		return nil
	}
	msg, err := d.build(subject, to, body)
	if err != nil {
		return err
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		return err
	}
	d.logger.Infow("email sent", "subject", subject, "to", len(to))
	return nil
}

// Queue sends the message in the background.
func (d *Dispatcher) Queue(subject string, to []Address, body string) error {
	if d.sched == nil {
		return errors.New("mail queue has no scheduler")
	}
	return d.sched.Submit("mail", func(ctx context.Context) error {
		return d.Send(ctx, subject, to, body)
	})
}

func (d *Dispatcher) build(subject string, to []Address, body string) (*gomail.Msg, error) {
	if len(to) == 0 {
		return nil, ErrNoRecipient
	}
	m := gomail.NewMsg()
	if err := m.From(d.cfg.Sender); err != nil {
		return nil, fmt.Errorf("sender %q: %w", d.cfg.Sender, err)
	}
	rcpts := make([]string, 0, len(to))
	for _, a := range to {
		rcpts = append(rcpts, a.String())
	}
	if err := m.To(rcpts...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	m.Subject(subject)
	m.SetMessageIDWithValue(utilities.NewKSUID() + "@" + d.messageIDHost())
	m.SetDate()
	m.SetBodyString(gomail.TypeTextPlain, HTMLToText(body))
	m.AddAlternativeString(gomail.TypeTextHTML, body)
	return m, nil
}

func (d *Dispatcher) messageIDHost() string {
	if a, err := netmail.ParseAddress(d.cfg.Sender); err == nil {
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 && i < len(a.Address)-1 {
			return a.Address[i+1:]
		}
	}
	host, _ := hostPort(d.cfg)
	return host
}
