package metrics

import (
	"strings"
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordConnection("websocket")
	c.RecordStreamStart()
	c.RecordStreamStart()
	c.RecordFrame("chat:response:chunk")
	c.RecordFrame("chat:response:chunk")
	c.RecordFrame("chat:response:end")
	c.RecordStreamCancel()
	c.RecordStreamEnd()
	c.RecordTokenUsage("org-1", 100)
	c.RecordTokenUsage("org-1", 50)
	c.RecordTokenUsage("", 10)
	c.RecordDisconnect()

	snap := c.GetSnapshot()
	if snap.StreamsStarted != 2 || snap.StreamsEnded != 1 || snap.ActiveStreams != 1 {
		t.Fatalf("unexpected lifecycle counters %+v", snap)
	}
	if snap.StreamsCancelled != 1 {
		t.Fatalf("expected 1 cancel, got %d", snap.StreamsCancelled)
	}
	if snap.FramesByEvent["chat:response:chunk"] != 2 || snap.FramesByEvent["chat:response:end"] != 1 {
		t.Fatalf("unexpected frame counts %+v", snap.FramesByEvent)
	}
	if snap.TotalTokensUsed != 160 || snap.TokensByOrg["org-1"] != 150 {
		t.Fatalf("unexpected token counters %+v", snap)
	}
	if snap.ConnectionsByTransport["websocket"] != 1 || snap.Disconnects != 1 {
		t.Fatalf("unexpected transport counters %+v", snap)
	}
}

func TestActiveStreamsNeverNegative(t *testing.T) {
	c := NewCollector()
	c.RecordStreamEnd()
	if snap := c.GetSnapshot(); snap.ActiveStreams != 0 {
		t.Fatalf("gauge must not go negative, got %d", snap.ActiveStreams)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordStreamStart()
	c.RecordFrame("chat:response:end")
	c.RecordTokenUsage("org-1", 7)

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		"gateway_streams_started_total 1",
		`gateway_frames_total{event="chat:response:end"} 1`,
		`gateway_tokens_by_org_total{org="org-1"} 7`,
		"# TYPE gateway_active_streams gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
