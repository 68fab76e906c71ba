package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

var drivers = []string{"json", "binlog", "sqlite"}

func sampleRecords(n int) []speedtest.Record {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	eth := speedtest.Iface{ID: "eth1", Nickname: "wired"}
	out := make([]speedtest.Record, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * 20 * time.Minute)
		switch i % 3 {
		case 0:
			out = append(out, speedtest.NewSuccess(ts, eth, &speedtest.Measurement{
				Type:     "result",
				Ping:     &speedtest.Latency{Latency: speedtest.F(12.5), Jitter: speedtest.F(0.8)},
				Download: speedtest.Transfer{Bandwidth: float64(11_000_000 + i), Bytes: 120_000_000},
				Upload:   speedtest.Transfer{Bandwidth: 2_500_000},
				ISP:      "Example ISP",
				Result:   &speedtest.ResultRef{ID: "abc", URL: "https://www.speedtest.net/result/c/abc"},
			}))
		case 1:
			out = append(out, speedtest.NewFailure(ts, speedtest.Iface{}, 2, speedtest.KindExhausted, "no servers"))
		default:
			out = append(out, speedtest.NewFailure(ts, eth, speedtest.StatusRateLimited, speedtest.KindRateLimited, "too many requests"))
		}
	}
	return out
}

func openTemp(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "results."+driver)
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	want := sampleRecords(7)
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			st, _ := openTemp(t, driver)
			for _, r := range want {
				if err := st.Append(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			got, err := st.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			got = InOrder(got, st.Order(), Chronological)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNativeOrderIsReversible(t *testing.T) {
	ctx := context.Background()
	recs := sampleRecords(4)
	js, _ := openTemp(t, "json")
	bl, _ := openTemp(t, "binlog")
	for _, r := range recs {
		if err := js.Append(ctx, r); err != nil {
			t.Fatalf("json append: %v", err)
		}
		if err := bl.Append(ctx, r); err != nil {
			t.Fatalf("binlog append: %v", err)
		}
	}
	a, _ := js.Load(ctx)
	b, _ := bl.Load(ctx)
	if bl.Order() != NewestFirst || js.Order() != Chronological {
		t.Fatalf("unexpected orders %v %v", js.Order(), bl.Order())
	}
	if diff := cmp.Diff(a, InOrder(b, NewestFirst, Chronological)); diff != "" {
		t.Fatalf("reversed binlog != json (-json +binlog):\n%s", diff)
	}
}

func TestMissingStoreIsEmpty(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			st, _ := openTemp(t, driver)
			got, err := st.Load(context.Background())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("got %d records", len(got))
			}
		})
	}
}

func TestBinlogTruncatedAfterSecondTrailer(t *testing.T) {
	ctx := context.Background()
	st, path := openTemp(t, "binlog")
	recs := sampleRecords(3)
	var sizeAfterTwo int64
	for i, r := range recs {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
		if i == 1 {
			fi, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			sizeAfterTwo = fi.Size()
		}
	}
	if err := os.Truncate(path, sizeAfterTwo); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]speedtest.Record{recs[1], recs[0]}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBinlogPartialTail(t *testing.T) {
	ctx := context.Background()
	st, path := openTemp(t, "binlog")
	recs := sampleRecords(3)
	for _, r := range recs {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	for _, cut := range []int64{1, 3, 7, 40} {
		if err := os.Truncate(path, fi.Size()-cut); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		got, err := st.Load(ctx)
		if err != nil {
			t.Fatalf("cut %d: load: %v", cut, err)
		}
		if diff := cmp.Diff([]speedtest.Record{recs[1], recs[0]}, got); diff != "" {
			t.Fatalf("cut %d: mismatch (-want +got):\n%s", cut, diff)
		}
	}
}

func TestBinlogAppendAfterTornTail(t *testing.T) {
	ctx := context.Background()
	st, path := openTemp(t, "binlog")
	recs := sampleRecords(5)
	for _, r := range recs[:3] {
		if err := st.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = st.Close()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-7); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	// A restarted collector opens a fresh store on the same file.
	reopened, err := Open(Config{Driver: "binlog", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	for _, r := range recs[3:] {
		if err := reopened.Append(ctx, r); err != nil {
			t.Fatalf("append after torn tail: %v", err)
		}
	}
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []speedtest.Record{recs[0], recs[1], recs[3], recs[4]}
	if diff := cmp.Diff(want, InOrder(got, reopened.Order(), Chronological)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONSkipsMalformedAndPreservesThem(t *testing.T) {
	ctx := context.Background()
	st, path := openTemp(t, "json")
	good := sampleRecords(1)[0]
	body := `[{"timestamp":"2024-03-01T00:00:00Z","status_code":0}, "garbage"]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Append(ctx, good); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]speedtest.Record{good}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	raws, err := st.(*jsonStore).readRaw()
	if err != nil {
		t.Fatalf("readRaw: %v", err)
	}
	if len(raws) != 3 {
		t.Fatalf("malformed elements dropped on rewrite: %d", len(raws))
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			st, _ := openTemp(t, driver)
			bad := speedtest.Record{Timestamp: time.Now(), StatusCode: 0}
			if err := st.Append(context.Background(), bad); err == nil {
				t.Fatalf("invalid record accepted")
			}
		})
	}
}

func TestConvertPreservesChronology(t *testing.T) {
	ctx := context.Background()
	recs := sampleRecords(5)
	src, _ := openTemp(t, "json")
	for _, r := range recs {
		if err := src.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	bin, _ := openTemp(t, "binlog")
	n, err := Convert(ctx, src, bin)
	if err != nil || n != len(recs) {
		t.Fatalf("convert json->binlog: n=%d err=%v", n, err)
	}
	db, _ := openTemp(t, "sqlite")
	if _, err := Convert(ctx, bin, db); err != nil {
		t.Fatalf("convert binlog->sqlite: %v", err)
	}
	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err=%v want ErrUnknownDriver", err)
	}
}
