package speedtest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AllInterfaces is the interface id used when the probe runs without binding
// to a specific interface.
const AllInterfaces = ""

// AllNickname labels records of the AllInterfaces pseudo-interface.
const AllNickname = "all"

// StatusRateLimited is the exit status of the speedtest CLI when the provider
// refuses a test because too many were requested recently.
const StatusRateLimited = 173

// Error kinds carried by ProbeError.Kind.
const (
	KindExitStatus      = "exit_status"
	KindRateLimited     = "rate_limited"
	KindMalformedOutput = "malformed_output"
	KindLaunch          = "launch"
	KindExhausted       = "exhausted"
)

// Iface identifies a monitored interface.
type Iface struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

// Label returns the nickname, falling back to the id (or "all").
func (i Iface) Label() string {
	if n := strings.TrimSpace(i.Nickname); n != "" {
		return n
	}
	if i.ID == AllInterfaces {
		return AllNickname
	}
	return i.ID
}

// Record is the outcome of one probe attempt sequence.
//
// IMPORTANT: JSON tags are persisted by every storage backend. Changing them
// breaks existing history.
type Record struct {
	Timestamp  time.Time    `json:"timestamp"`
	Interface  string       `json:"interface"`
	Nickname   string       `json:"nickname"`
	StatusCode int          `json:"status_code"`
	Output     *Measurement `json:"output,omitempty"`
	Error      *ProbeError  `json:"error,omitempty"`
}

// ProbeError describes a rate-limited or failed probe.
type ProbeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ProbeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// Success reports whether the probe produced a measurement.
func (r Record) Success() bool { return r.StatusCode == 0 }

// RateLimited reports whether the provider refused the probe.
func (r Record) RateLimited() bool { return r.StatusCode == StatusRateLimited }

// Failed reports a non-success that was not a rate limit.
func (r Record) Failed() bool { return !r.Success() && !r.RateLimited() }

// Iface returns the interface the record belongs to.
func (r Record) Iface() Iface { return Iface{ID: r.Interface, Nickname: r.Nickname} }

var errInvalidRecord = errors.New("invalid record")

// Validate checks the shape invariant: the payload is fully determined by the
// status code.
func (r Record) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", errInvalidRecord)
	}
	if r.Success() {
		if r.Output == nil {
			return fmt.Errorf("%w: success without output", errInvalidRecord)
		}
		if r.Error != nil {
			return fmt.Errorf("%w: success with error descriptor", errInvalidRecord)
		}
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("%w: status %d without error descriptor", errInvalidRecord, r.StatusCode)
	}
	if r.Output != nil {
		return fmt.Errorf("%w: status %d with output", errInvalidRecord, r.StatusCode)
	}
	return nil
}

// NewSuccess builds a success record.
func NewSuccess(ts time.Time, iface Iface, m *Measurement) Record {
	return Record{Timestamp: ts.UTC(), Interface: iface.ID, Nickname: iface.Label(), Output: m}
}

// NewFailure builds a non-success record. status must be non-zero.
func NewFailure(ts time.Time, iface Iface, status int, kind, msg string) Record {
	return Record{
		Timestamp:  ts.UTC(),
		Interface:  iface.ID,
		Nickname:   iface.Label(),
		StatusCode: status,
		Error:      &ProbeError{Kind: kind, Message: msg},
	}
}

// Measurement mirrors the JSON document printed by `speedtest --format=json`.
type Measurement struct {
	Type       string     `json:"type,omitempty"`
	Timestamp  string     `json:"timestamp,omitempty"`
	Ping       *Latency   `json:"ping,omitempty"`
	Download   Transfer   `json:"download"`
	Upload     Transfer   `json:"upload"`
	PacketLoss *float64   `json:"packetLoss,omitempty"`
	ISP        string     `json:"isp,omitempty"`
	Interface  *NetIface  `json:"interface,omitempty"`
	Server     *Server    `json:"server,omitempty"`
	Result     *ResultRef `json:"result,omitempty"`
}

// Transfer is one direction of the bandwidth test. Bandwidth is bytes/second.
type Transfer struct {
	Bandwidth float64  `json:"bandwidth"`
	Bytes     int64    `json:"bytes,omitempty"`
	Elapsed   int64    `json:"elapsed,omitempty"`
	Latency   *Latency `json:"latency,omitempty"`
}

// Latency holds milliseconds. Older CLI versions omit some of these.
type Latency struct {
	Latency *float64 `json:"latency,omitempty"`
	IQM     *float64 `json:"iqm,omitempty"`
	Low     *float64 `json:"low,omitempty"`
	High    *float64 `json:"high,omitempty"`
	Jitter  *float64 `json:"jitter,omitempty"`
}

type NetIface struct {
	InternalIP string `json:"internalIp,omitempty"`
	Name       string `json:"name,omitempty"`
	MacAddr    string `json:"macAddr,omitempty"`
	IsVPN      bool   `json:"isVpn,omitempty"`
	ExternalIP string `json:"externalIp,omitempty"`
}

type Server struct {
	ID       int    `json:"id,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
	Country  string `json:"country,omitempty"`
	IP       string `json:"ip,omitempty"`
}

type ResultRef struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
}

// URL returns the shareable result link, if any.
func (m *Measurement) URL() string {
	if m == nil || m.Result == nil {
		return ""
	}
	return m.Result.URL
}

// Mbps converts bytes/second into megabits/second.
func Mbps(bytesPerSec float64) float64 { return bytesPerSec * 8 / 1_000_000 }

// LatencySummary renders a latency block for display, e.g.
// "12.3 ms (low 10.1, high 15.2, jitter 1.2)". Absent blocks render as "".
func LatencySummary(l *Latency) string {
	if l == nil {
		return ""
	}
	center := l.Latency
	if center == nil {
		center = l.IQM
	}
	parts := make([]string, 0, 3)
	if l.Low != nil {
		parts = append(parts, fmt.Sprintf("low %.1f", *l.Low))
	}
	if l.High != nil {
		parts = append(parts, fmt.Sprintf("high %.1f", *l.High))
	}
	if l.Jitter != nil {
		parts = append(parts, fmt.Sprintf("jitter %.1f", *l.Jitter))
	}
	switch {
	case center == nil && len(parts) == 0:
		return ""
	case center == nil:
		return strings.Join(parts, ", ")
	case len(parts) == 0:
		return fmt.Sprintf("%.1f ms", *center)
	default:
		return fmt.Sprintf("%.1f ms (%s)", *center, strings.Join(parts, ", "))
	}
}

// F is a convenience for optional float fields.
func F(v float64) *float64 { return &v }
