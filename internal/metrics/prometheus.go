package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP gateway_uptime_seconds Time since gateway started\n")
	sb.WriteString("# TYPE gateway_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("gateway_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_streams_started_total Total streams admitted\n")
	sb.WriteString("# TYPE gateway_streams_started_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_streams_started_total %d\n", snap.StreamsStarted))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_streams_ended_total Total streams that reached a terminal event\n")
	sb.WriteString("# TYPE gateway_streams_ended_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_streams_ended_total %d\n", snap.StreamsEnded))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_streams_cancelled_total Total client-initiated cancels\n")
	sb.WriteString("# TYPE gateway_streams_cancelled_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_streams_cancelled_total %d\n", snap.StreamsCancelled))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_active_streams Current number of in-flight streams\n")
	sb.WriteString("# TYPE gateway_active_streams gauge\n")
	sb.WriteString(fmt.Sprintf("gateway_active_streams %d\n", snap.ActiveStreams))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_frames_total Server frames delivered by event\n")
	sb.WriteString("# TYPE gateway_frames_total counter\n")
	for _, event := range sortedKeys(snap.FramesByEvent) {
		sb.WriteString(fmt.Sprintf("gateway_frames_total{event=\"%s\"} %d\n", event, snap.FramesByEvent[event]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_parse_rejections_total Client messages rejected by the codec\n")
	sb.WriteString("# TYPE gateway_parse_rejections_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_parse_rejections_total %d\n", snap.ParseRejections))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_quota_rejections_total Streams denied by quota\n")
	sb.WriteString("# TYPE gateway_quota_rejections_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_quota_rejections_total %d\n", snap.QuotaRejections))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_scope_rejections_total Streams denied by tenant scope checks\n")
	sb.WriteString("# TYPE gateway_scope_rejections_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_scope_rejections_total %d\n", snap.ScopeRejections))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_connections_total Client connections by transport\n")
	sb.WriteString("# TYPE gateway_connections_total counter\n")
	for _, transport := range sortedKeys(snap.ConnectionsByTransport) {
		sb.WriteString(fmt.Sprintf("gateway_connections_total{transport=\"%s\"} %d\n", transport, snap.ConnectionsByTransport[transport]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_disconnects_total Dropped client connections\n")
	sb.WriteString("# TYPE gateway_disconnects_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_disconnects_total %d\n", snap.Disconnects))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_tokens_used_total Total tokens charged at stream end\n")
	sb.WriteString("# TYPE gateway_tokens_used_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_tokens_used_total %d\n", snap.TotalTokensUsed))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_tokens_by_org_total Total tokens by org\n")
	sb.WriteString("# TYPE gateway_tokens_by_org_total counter\n")
	for _, org := range sortedKeys(snap.TokensByOrg) {
		sb.WriteString(fmt.Sprintf("gateway_tokens_by_org_total{org=\"%s\"} %d\n", org, snap.TokensByOrg[org]))
	}
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
