package reduce

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"speedlog/internal/config"
	"speedlog/internal/storage"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

// View is a reduced, presentation-ready slice of history. Exactly one of
// Series and Aggregates is set, depending on Bucket.
type View struct {
	Name       string      `json:"name"`
	Window     string      `json:"window,omitempty"`
	Bucket     string      `json:"bucket,omitempty"`
	Series     []Series    `json:"series,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
}

// Build reduces recs for one configured view. Line views are smoothed with
// the dashboard's smoothing window; bucketed views aggregate the unsmoothed
// series in the dashboard's location.
func Build(recs []speedtest.Record, order storage.Order, v config.View, d config.Dashboard, log logx.Logger) View {
	series := Reduce(recs, order, Options{
		Window:                  v.Window,
		KeepConsecutiveFailures: d.KeepConsecutiveFailures,
		Log:                     log,
	})
	out := View{Name: v.Name, Bucket: v.Bucket}
	if v.Window > 0 {
		out.Window = v.Window.String()
	}
	switch v.Bucket {
	case config.BucketHour:
		out.Aggregates = AggregateBy(series, HourOfDay(d.Location))
	case config.BucketWeekday:
		out.Aggregates = AggregateBy(series, Weekday(d.Location))
	default:
		for i := range series {
			series[i] = Smooth(series[i], d.SmoothingWindow)
		}
		out.Series = series
	}
	return out
}

func RenderJSON(w io.Writer, views []View) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

var weekdayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// RenderTable writes v as a text table. loc formats sample timestamps.
func RenderTable(w io.Writer, v View, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	title := v.Name
	if v.Window != "" {
		title += " (last " + v.Window + ")"
	}
	fmt.Fprintln(w, "View:", title)

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)

	if v.Bucket != config.BucketNone {
		key := "Hour"
		if v.Bucket == config.BucketWeekday {
			key = "Weekday"
		}
		table.SetHeader([]string{"Interface", key, "Tests", "Failures", "Rate\nlimited",
			"Down mean\n(Mbps)", "Down std", "Up mean\n(Mbps)", "Up std"})
		for _, a := range v.Aggregates {
			for _, b := range a.Buckets {
				label := strconv.Itoa(b.Key)
				if v.Bucket == config.BucketWeekday && b.Key >= 0 && b.Key < len(weekdayNames) {
					label = weekdayNames[b.Key]
				}
				table.Append([]string{
					a.Nickname, label,
					strconv.Itoa(b.Tests), strconv.Itoa(b.Failures), strconv.Itoa(b.RateLimited),
					fmt.Sprintf("%.2f", b.DownloadMean), fmt.Sprintf("%.2f", b.DownloadStd),
					fmt.Sprintf("%.2f", b.UploadMean), fmt.Sprintf("%.2f", b.UploadStd),
				})
			}
		}
		table.Render()
		return
	}

	table.SetHeader([]string{"Interface", "Time", "Status", "Down\n(Mbps)", "Up\n(Mbps)", "Ping", "Result / error"})
	for _, s := range v.Series {
		for _, smp := range s.Samples {
			detail := smp.URL
			if !smp.Success() {
				detail = smp.ErrorKind + ": " + smp.ErrorMessage
			}
			table.Append([]string{
				s.Nickname,
				smp.Timestamp.In(loc).Format("2006-01-02 15:04"),
				strconv.Itoa(smp.Status),
				fmt.Sprintf("%.2f", smp.DownloadMbps),
				fmt.Sprintf("%.2f", smp.UploadMbps),
				smp.Ping,
				detail,
			})
		}
	}
	table.Render()
}
