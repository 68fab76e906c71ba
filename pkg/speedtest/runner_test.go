package speedtest

import (
	"testing"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

func servers() st.Servers {
	return st.Servers{
		{ID: "10", Host: "far:8080", Distance: 900},
		{ID: "11", Host: "near:8080", Distance: 12},
		{ID: "12", Host: "mid:8080", Distance: 150},
	}
}

func ids(ss []*st.Server) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}

func TestPickCandidates(t *testing.T) {
	tests := []struct {
		name     string
		serverID string
		n        int
		want     []string
		wantErr  bool
	}{
		{name: "nearest first", n: 2, want: []string{"11", "12"}},
		{name: "n larger than list", n: 10, want: []string{"11", "12", "10"}},
		{name: "pinned", serverID: "10", n: 1, want: []string{"10"}},
		{name: "pinned missing", serverID: "99", n: 5, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickCandidates(servers(), tt.serverID, tt.n)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ids(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("pickCandidates: %v", err)
			}
			if g := ids(got); len(g) != len(tt.want) || (len(g) > 0 && g[0] != tt.want[0]) || g[len(g)-1] != tt.want[len(tt.want)-1] {
				t.Fatalf("got %v want %v", g, tt.want)
			}
		})
	}

	if _, err := pickCandidates(nil, "", 3); err != errNoServers {
		t.Fatalf("empty list err=%v", err)
	}
}

func TestRankByLatency(t *testing.T) {
	in := []*st.Server{
		{ID: "a", Latency: 30 * time.Millisecond},
		nil,
		{ID: "b", Latency: 0},
		{ID: "c", Latency: 8 * time.Millisecond},
	}
	got := ids(rankByLatency(in))
	if len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("rank=%v", got)
	}
}

func TestPingLatencyAndTransfer(t *testing.T) {
	s := &st.Server{Latency: 12 * time.Millisecond, Jitter: 1500 * time.Microsecond, MinLatency: 10 * time.Millisecond}
	if got := LatencySummary(pingLatency(s)); got != "12.0 ms (low 10.0, jitter 1.5)" {
		t.Fatalf("summary=%q", got)
	}
	tr := transfer(12_500_000, 2*time.Second)
	if tr.Bytes != 25_000_000 || tr.Elapsed != 2000 || Mbps(tr.Bandwidth) != 100 {
		t.Fatalf("transfer=%+v", tr)
	}
}

func TestRunConfigDefaults(t *testing.T) {
	c := RunConfig{ServerID: "7"}.withDefaults()
	if c.Candidates != 5 || c.Attempts != 2 || c.MaxConnections != 4 || c.PingConcurrency != 4 || c.PacketLossTimeout != 3*time.Second {
		t.Fatalf("defaults=%+v", c)
	}
	if c.ServerID != "7" {
		t.Fatalf("server id lost: %+v", c)
	}
}
