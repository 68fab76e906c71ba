package reduce

import (
	"math"
	"sort"
	"time"
)

// BucketFunc maps a timestamp to a bucket key.
type BucketFunc func(time.Time) int

// HourOfDay buckets by local hour, 0-23.
func HourOfDay(loc *time.Location) BucketFunc {
	if loc == nil {
		loc = time.Local
	}
	return func(t time.Time) int { return t.In(loc).Hour() }
}

// Weekday buckets by local weekday, 0 = Monday through 6 = Sunday.
func Weekday(loc *time.Location) BucketFunc {
	if loc == nil {
		loc = time.Local
	}
	return func(t time.Time) int { return (int(t.In(loc).Weekday()) + 6) % 7 }
}

// Bucket statistics are over successful samples only; Tests counts every
// sample in the bucket.
type Bucket struct {
	Key          int     `json:"key"`
	Tests        int     `json:"tests"`
	Failures     int     `json:"failures"`
	RateLimited  int     `json:"rate_limited"`
	DownloadMean float64 `json:"download_mean_mbps"`
	DownloadStd  float64 `json:"download_std_mbps"`
	UploadMean   float64 `json:"upload_mean_mbps"`
	UploadStd    float64 `json:"upload_std_mbps"`
}

type Aggregate struct {
	Interface string   `json:"interface"`
	Nickname  string   `json:"nickname"`
	Buckets   []Bucket `json:"buckets"`
}

// AggregateBy groups every series' samples by fn and summarizes each
// bucket. Buckets are sorted by key.
func AggregateBy(series []Series, fn BucketFunc) []Aggregate {
	out := make([]Aggregate, 0, len(series))
	for _, s := range series {
		type acc struct {
			b        Bucket
			down, up []float64
		}
		byKey := map[int]*acc{}
		for _, smp := range s.Samples {
			k := fn(smp.Timestamp)
			a, ok := byKey[k]
			if !ok {
				a = &acc{b: Bucket{Key: k}}
				byKey[k] = a
			}
			a.b.Tests++
			switch {
			case smp.Success():
				a.down = append(a.down, smp.DownloadMbps)
				a.up = append(a.up, smp.UploadMbps)
			case smp.RateLimited():
				a.b.RateLimited++
			default:
				a.b.Failures++
			}
		}
		agg := Aggregate{Interface: s.Interface, Nickname: s.Nickname, Buckets: make([]Bucket, 0, len(byKey))}
		for _, a := range byKey {
			a.b.DownloadMean, a.b.DownloadStd = meanStd(a.down)
			a.b.UploadMean, a.b.UploadStd = meanStd(a.up)
			agg.Buckets = append(agg.Buckets, a.b)
		}
		sort.Slice(agg.Buckets, func(i, j int) bool { return agg.Buckets[i].Key < agg.Buckets[j].Key })
		out = append(out, agg)
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}
