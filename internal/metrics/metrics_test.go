package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFetch(t *testing.T) {
	beforeOK := testutil.ToFloat64(FeedFetches.WithLabelValues("meetup", "success"))
	beforeErr := testutil.ToFloat64(FeedFetches.WithLabelValues("meetup", "error"))
	beforeEvents := testutil.ToFloat64(FeedEvents.WithLabelValues("meetup"))

	RecordFetch("meetup", 7, nil)
	RecordFetch("meetup", 0, errors.New("timeout"))

	if got := testutil.ToFloat64(FeedFetches.WithLabelValues("meetup", "success")) - beforeOK; got != 1 {
		t.Errorf("success delta = %v", got)
	}
	if got := testutil.ToFloat64(FeedFetches.WithLabelValues("meetup", "error")) - beforeErr; got != 1 {
		t.Errorf("error delta = %v", got)
	}
	if got := testutil.ToFloat64(FeedEvents.WithLabelValues("meetup")) - beforeEvents; got != 7 {
		t.Errorf("events delta = %v", got)
	}
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunErrors)
	RecordRun(time.Now().Add(-time.Second), 42, errors.New("disk full"))
	if got := testutil.ToFloat64(FinalEvents); got != 42 {
		t.Errorf("final events = %v", got)
	}
	if got := testutil.ToFloat64(RunErrors) - before; got != 1 {
		t.Errorf("run errors delta = %v", got)
	}
}

func TestWriteToTextfile(t *testing.T) {
	HistoryRecords.Set(12)
	path := filepath.Join(t.TempDir(), "techcal.prom")
	if err := WriteToTextfile(path); err != nil {
		t.Fatalf("WriteToTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "techcal_history_records 12") {
		t.Errorf("textfile missing history gauge:\n%s", b)
	}
}

func TestBreakerStateValue(t *testing.T) {
	tests := map[string]float64{"closed": 0, "half-open": 1, "open": 2, "": 0}
	for in, want := range tests {
		if got := BreakerStateValue(in); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", in, got, want)
		}
	}
}
