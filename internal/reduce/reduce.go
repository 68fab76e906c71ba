// Package reduce turns stored probe history into per-interface series and
// bucketed aggregates for presentation.
package reduce

import (
	"sort"
	"time"

	"speedlog/internal/storage"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

type Options struct {
	// Window keeps records no older than Window before the newest record.
	// Zero keeps everything.
	Window                  time.Duration
	KeepConsecutiveFailures bool
	Log                     logx.Logger
}

// Sample is one presentation row. Rates are Mbps and are zero for every
// non-success.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	Status          int       `json:"status_code"`
	DownloadMbps    float64   `json:"download_mbps"`
	UploadMbps      float64   `json:"upload_mbps"`
	Ping            string    `json:"ping,omitempty"`
	DownloadLatency string    `json:"download_latency,omitempty"`
	UploadLatency   string    `json:"upload_latency,omitempty"`
	URL             string    `json:"url,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

func (s Sample) Success() bool     { return s.Status == 0 }
func (s Sample) RateLimited() bool { return s.Status == speedtest.StatusRateLimited }

type Series struct {
	Interface string   `json:"interface"`
	Nickname  string   `json:"nickname"`
	Samples   []Sample `json:"samples"`
}

// Reduce windows, groups and (unless disabled) collapses recs. order is the
// orientation recs were loaded in. Invalid records are logged and skipped.
// The result is sorted by nickname, then interface id; samples are
// chronological.
func Reduce(recs []speedtest.Record, order storage.Order, opt Options) []Series {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	newestFirst := storage.InOrder(recs, order, storage.NewestFirst)
	groups := map[string]*Series{}
	var anchor time.Time
	for i, rec := range newestFirst {
		if err := rec.Validate(); err != nil {
			log.Warn("skipping invalid record", logx.Int("index", i), logx.Err(err))
			continue
		}
		if anchor.IsZero() {
			anchor = rec.Timestamp
		}
		if opt.Window > 0 && anchor.Sub(rec.Timestamp) > opt.Window {
			break
		}
		g, ok := groups[rec.Interface]
		if !ok {
			g = &Series{Interface: rec.Interface, Nickname: rec.Iface().Label()}
			groups[rec.Interface] = g
		}
		g.Samples = append(g.Samples, toSample(rec))
	}

	out := make([]Series, 0, len(groups))
	for _, g := range groups {
		reverse(g.Samples)
		if !opt.KeepConsecutiveFailures {
			g.Samples = Collapse(g.Samples)
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].Interface < out[j].Interface
	})
	return out
}

func toSample(rec speedtest.Record) Sample {
	s := Sample{Timestamp: rec.Timestamp, Status: rec.StatusCode}
	if rec.Error != nil {
		s.ErrorKind = rec.Error.Kind
		s.ErrorMessage = rec.Error.Message
	}
	m := rec.Output
	if m == nil {
		return s
	}
	s.DownloadMbps = speedtest.Mbps(m.Download.Bandwidth)
	s.UploadMbps = speedtest.Mbps(m.Upload.Bandwidth)
	s.Ping = speedtest.LatencySummary(m.Ping)
	s.DownloadLatency = speedtest.LatencySummary(m.Download.Latency)
	s.UploadLatency = speedtest.LatencySummary(m.Upload.Latency)
	s.URL = m.URL()
	return s
}

func reverse(s []Sample) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Collapse drops a non-success sample when both chronological neighbours are
// non-successes too, so a run of failures keeps only its first and last
// sample. The first and last samples are always kept. Rate-limited samples
// count as non-successes.
func Collapse(samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	last := len(samples) - 1
	for i, s := range samples {
		if s.Success() || i == 0 || i == last ||
			samples[i-1].Success() || samples[i+1].Success() {
			out = append(out, s)
		}
	}
	return out
}

// Smooth returns a copy of s whose download and upload rates are trailing
// means over n samples. The window starts out holding n copies of the first
// non-zero rate. Zero rates are failures: they pass through unchanged and
// never enter the window. n <= 1 returns the samples unchanged.
func Smooth(s Series, n int) Series {
	out := s
	out.Samples = append([]Sample(nil), s.Samples...)
	if n <= 1 || len(out.Samples) == 0 {
		return out
	}
	down := make([]float64, len(out.Samples))
	up := make([]float64, len(out.Samples))
	for i, smp := range out.Samples {
		down[i], up[i] = smp.DownloadMbps, smp.UploadMbps
	}
	down, up = movingAverage(down, n), movingAverage(up, n)
	for i := range out.Samples {
		out.Samples[i].DownloadMbps = down[i]
		out.Samples[i].UploadMbps = up[i]
	}
	return out
}

func movingAverage(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	seed := 0.0
	for _, v := range vals {
		if v != 0 {
			seed = v
			break
		}
	}
	if seed == 0 {
		return append(out[:0], vals...)
	}
	window := make([]float64, n)
	for i := range window {
		window[i] = seed
	}
	sum := seed * float64(n)
	head := 0
	for i, v := range vals {
		if v == 0 {
			continue
		}
		sum += v - window[head]
		window[head] = v
		head = (head + 1) % n
		out[i] = sum / float64(n)
	}
	return out
}
