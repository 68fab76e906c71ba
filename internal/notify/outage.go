// Package notify tells an operator chat when an interface goes down and when
// it comes back.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"speedlog/internal/transport"
	"speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

const defaultSendTimeout = 15 * time.Second

type outage struct {
	since    time.Time
	failures int
	last     *speedtest.ProbeError
}

// Outage implements collector.Observer. Interfaces start in the "up" state,
// so the first failure ever seen also opens an outage.
type Outage struct {
	sender  transport.Adapter
	to      transport.ChatTarget
	log     logx.Logger
	timeout time.Duration

	mu   sync.Mutex
	open map[string]*outage // by interface id
}

type Option func(*Outage)

func WithSendTimeout(d time.Duration) Option {
	return func(o *Outage) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func NewOutage(sender transport.Adapter, to transport.ChatTarget, log logx.Logger, opts ...Option) *Outage {
	o := &Outage{
		sender:  sender,
		to:      to,
		log:     log.With(logx.String("comp", "notify")),
		timeout: defaultSendTimeout,
		open:    map[string]*outage{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe tracks outage state per interface. Rate-limited records neither
// open nor close an outage.
func (o *Outage) Observe(rec speedtest.Record) {
	if rec.RateLimited() {
		return
	}
	var text string

	o.mu.Lock()
	cur := o.open[rec.Interface]
	switch {
	case rec.Failed() && cur == nil:
		o.open[rec.Interface] = &outage{since: rec.Timestamp, failures: 1, last: rec.Error}
		text = downText(rec)
	case rec.Failed():
		cur.failures++
		cur.last = rec.Error
	case rec.Success() && cur != nil:
		delete(o.open, rec.Interface)
		text = recoveredText(rec, cur)
	}
	o.mu.Unlock()

	if text != "" {
		o.send(rec.Iface(), text)
	}
}

// Down reports whether an outage is open for the interface id.
func (o *Outage) Down(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open[id] != nil
}

func (o *Outage) send(iface speedtest.Iface, text string) {
	if o.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if _, err := o.sender.SendText(ctx, o.to, text, &transport.SendOptions{ParseMode: transport.ParseModeHTML, DisablePreview: true}); err != nil {
		o.log.Warn("outage notice not delivered", logx.Iface(iface.ID, iface.Label()), logx.Err(err))
	}
}

func downText(rec speedtest.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is down since %s", ifaceName(rec.Iface()), rec.Timestamp.UTC().Format(time.RFC3339))
	if rec.Error != nil {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(rec.Error.Error()))
	}
	return b.String()
}

func recoveredText(rec speedtest.Record, o *outage) string {
	d := rec.Timestamp.Sub(o.since).Round(time.Second)
	var b strings.Builder
	fmt.Fprintf(&b, "%s recovered after %s (%d failed %s)", ifaceName(rec.Iface()), d, o.failures, plural(o.failures, "test", "tests"))
	if m := rec.Output; m != nil {
		fmt.Fprintf(&b, "\ndown %.1f Mbit/s, up %.1f Mbit/s",
			speedtest.Mbps(m.Download.Bandwidth), speedtest.Mbps(m.Upload.Bandwidth))
		if u := m.URL(); u != "" {
			fmt.Fprintf(&b, "\n<a href=\"%s\">result</a>", html.EscapeString(u))
		}
	}
	return b.String()
}

// ifaceName renders the bold nickname, followed by the id when they differ.
func ifaceName(i speedtest.Iface) string {
	label := i.Label()
	name := "<b>" + html.EscapeString(label) + "</b>"
	if i.ID == speedtest.AllInterfaces || label == i.ID {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, html.EscapeString(i.ID))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
