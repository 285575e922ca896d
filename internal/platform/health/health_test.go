package health

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSummarize_AllHealthy(t *testing.T) {
	r := Summarize("pgprobe", []Step{
		{Name: "config", Duration: time.Millisecond},
		{Name: "query", Duration: 2 * time.Millisecond},
	}, nil)
	if !r.Healthy || r.Error != "" {
		t.Fatalf("expected healthy, got %+v", r)
	}
	if r.Duration != 3*time.Millisecond {
		t.Fatalf("Duration=%s", r.Duration)
	}
	if len(r.Deps) != 2 || r.Deps[1].Name != "query" {
		t.Fatalf("Deps=%+v", r.Deps)
	}
}

func TestSummarize_FailedStep(t *testing.T) {
	boom := errors.New("boom")
	r := Summarize("pgprobe", []Step{
		{Name: "config"},
		{Name: "trust", Err: boom},
	}, boom)
	if r.Healthy {
		t.Fatalf("expected unhealthy")
	}
	if r.Deps[0].Healthy != true || r.Deps[1].Error != "boom" {
		t.Fatalf("Deps=%+v", r.Deps)
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	in := Result{Name: "pgprobe", Healthy: true, Attrs: map[string]string{"transport": "tls"}}
	if err := Write(&buf, in); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	var out Result
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal err=%v", err)
	}
	if out.Name != "pgprobe" || !out.Healthy || out.Attrs["transport"] != "tls" {
		t.Fatalf("decoded %+v", out)
	}
}
