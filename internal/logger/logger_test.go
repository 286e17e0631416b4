package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, &buf)

	l.Info("scrape complete", Fields{"events": 12, "source": "downtown"})
	l.Error("fetch failed", Fields{"url": "https://x.test"}, errors.New("timeout"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["level"] != "INFO" || first["message"] != "scrape complete" {
		t.Errorf("unexpected first entry: %v", first)
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second["error"] != "timeout" {
		t.Errorf("expected error field, got %v", second["error"])
	}
}

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelWarn, &buf)

	l.Debug("noise", nil)
	l.Info("noise", nil)
	l.Warn("kept", nil)

	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected only the warning to be logged, got: %s", buf.String())
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncrCounter("events.inserted")
	m.IncrCounter("events.inserted")
	m.AddCounter("events.skipped", 3)
	m.RecordTiming("scrape", 100*time.Millisecond)
	m.RecordTiming("scrape", 300*time.Millisecond)

	snap := m.Snapshot()
	counters := snap["counters"].(map[string]int64)
	if counters["events.inserted"] != 2 {
		t.Errorf("expected inserted=2, got %d", counters["events.inserted"])
	}
	if counters["events.skipped"] != 3 {
		t.Errorf("expected skipped=3, got %d", counters["events.skipped"])
	}

	timings := snap["timings"].(map[string]map[string]interface{})
	if timings["scrape"]["count"] != 2 {
		t.Errorf("expected 2 scrape timings, got %v", timings["scrape"]["count"])
	}
	if timings["scrape"]["average"] != "200ms" {
		t.Errorf("expected 200ms average, got %v", timings["scrape"]["average"])
	}
}
