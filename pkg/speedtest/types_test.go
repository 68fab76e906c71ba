package speedtest

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMbps(t *testing.T) {
	if got := Mbps(12_500_000); got != 100 {
		t.Fatalf("Mbps=%v want 100", got)
	}
}

func TestIfaceLabel(t *testing.T) {
	cases := []struct {
		in   Iface
		want string
	}{
		{Iface{ID: "eth0", Nickname: "wired"}, "wired"},
		{Iface{ID: "eth0"}, "eth0"},
		{Iface{ID: AllInterfaces}, AllNickname},
		{Iface{ID: "wlan0", Nickname: "  "}, "wlan0"},
	}
	for _, tc := range cases {
		if got := tc.in.Label(); got != tc.want {
			t.Fatalf("%+v.Label()=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestRecordValidate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	iface := Iface{ID: "eth0"}
	cases := []struct {
		name string
		rec  Record
		ok   bool
	}{
		{"success", NewSuccess(ts, iface, &Measurement{}), true},
		{"failure", NewFailure(ts, iface, 1, KindExitStatus, "x"), true},
		{"rate limited", NewFailure(ts, iface, StatusRateLimited, KindRateLimited, "x"), true},
		{"missing timestamp", Record{StatusCode: 1, Error: &ProbeError{}}, false},
		{"success without output", Record{Timestamp: ts}, false},
		{"failure without error", Record{Timestamp: ts, StatusCode: 2}, false},
		{"failure with output", Record{Timestamp: ts, StatusCode: 2, Error: &ProbeError{}, Output: &Measurement{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rec.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v ok=%v", err, tc.ok)
			}
		})
	}
}

func TestRecordClassification(t *testing.T) {
	ts := time.Now()
	rl := NewFailure(ts, Iface{}, StatusRateLimited, KindRateLimited, "slow down")
	if rl.Success() || !rl.RateLimited() || rl.Failed() {
		t.Fatalf("rate limited misclassified")
	}
	f := NewFailure(ts, Iface{}, 2, KindExhausted, "x")
	if !f.Failed() || f.Nickname != AllNickname {
		t.Fatalf("failure misclassified: %+v", f)
	}
}

func TestLatencySummary(t *testing.T) {
	cases := []struct {
		in   *Latency
		want string
	}{
		{nil, ""},
		{&Latency{}, ""},
		{&Latency{Latency: F(12.34)}, "12.3 ms"},
		{&Latency{IQM: F(9), Low: F(8), High: F(15.2), Jitter: F(1.2)}, "9.0 ms (low 8.0, high 15.2, jitter 1.2)"},
		{&Latency{Jitter: F(0.5)}, "jitter 0.5"},
	}
	for _, tc := range cases {
		if got := LatencySummary(tc.in); got != tc.want {
			t.Fatalf("LatencySummary=%q want %q", got, tc.want)
		}
	}
}

func TestMeasurementParsesCLIOutput(t *testing.T) {
	line := `{"type":"result","timestamp":"2024-01-02T03:04:05Z","ping":{"jitter":0.4,"latency":9.1,"low":8.7,"high":10.2},` +
		`"download":{"bandwidth":11750000,"bytes":150000000,"elapsed":12000,"latency":{"iqm":20.1}},` +
		`"upload":{"bandwidth":2900000,"bytes":30000000,"elapsed":9000},"packetLoss":0,"isp":"ISP",` +
		`"server":{"id":1234,"host":"h","name":"n","location":"l","country":"c"},` +
		`"result":{"id":"x","url":"https://www.speedtest.net/result/c/x","persisted":true}}`
	var m Measurement
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if Mbps(m.Download.Bandwidth) != 94 {
		t.Fatalf("download Mbps=%v", Mbps(m.Download.Bandwidth))
	}
	if m.URL() != "https://www.speedtest.net/result/c/x" || m.Server.ID != 1234 {
		t.Fatalf("unexpected: %+v", m)
	}
	if m.Upload.Latency != nil {
		t.Fatalf("absent latency should stay nil")
	}
}
