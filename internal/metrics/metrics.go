package metrics

import (
	"sync"
	"time"
)

// Collector tracks streaming-layer counters and exports them in Prometheus
// text format. Manual tracking, no external dependencies.
type Collector struct {
	mu sync.RWMutex

	// Stream lifecycle
	streamsStarted   int64
	streamsEnded     int64
	streamsCancelled int64
	activeStreams    int64

	// Frames delivered, by event name
	framesByEvent map[string]int64

	// Rejections
	parseRejections int64
	quotaRejections int64
	scopeRejections int64

	// Transport
	connectionsByTransport map[string]int64
	disconnects            int64

	// Token usage
	totalTokensUsed int64
	tokensByOrg     map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		framesByEvent:          make(map[string]int64),
		connectionsByTransport: make(map[string]int64),
		tokensByOrg:            make(map[string]int64),
		startTime:              time.Now(),
	}
}

// RecordStreamStart increments the started counter and the active gauge.
func (c *Collector) RecordStreamStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsStarted++
	c.activeStreams++
}

// RecordStreamEnd decrements the active gauge.
func (c *Collector) RecordStreamEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsEnded++
	if c.activeStreams > 0 {
		c.activeStreams--
	}
}

// RecordStreamCancel records a client-initiated cancel.
func (c *Collector) RecordStreamCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsCancelled++
}

// RecordFrame records one delivered server frame.
func (c *Collector) RecordFrame(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesByEvent[event]++
}

// RecordParseRejection records a rejected client message.
func (c *Collector) RecordParseRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parseRejections++
}

// RecordQuotaRejection records a stream denied by quota.
func (c *Collector) RecordQuotaRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotaRejections++
}

// RecordScopeRejection records a stream denied by tenant scope checks.
func (c *Collector) RecordScopeRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopeRejections++
}

// RecordConnection records a new client connection on a transport
// ("websocket", "chunked", "bridge").
func (c *Collector) RecordConnection(transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsByTransport[transport]++
}

// RecordDisconnect records a dropped client connection.
func (c *Collector) RecordDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

// RecordTokenUsage records tokens charged at stream end.
func (c *Collector) RecordTokenUsage(orgID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTokensUsed += tokens
	if orgID != "" {
		c.tokensByOrg[orgID] += tokens
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime                 int64
	StreamsStarted         int64
	StreamsEnded           int64
	StreamsCancelled       int64
	ActiveStreams          int64
	FramesByEvent          map[string]int64
	ParseRejections        int64
	QuotaRejections        int64
	ScopeRejections        int64
	ConnectionsByTransport map[string]int64
	Disconnects            int64
	TotalTokensUsed        int64
	TokensByOrg            map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                 int64(time.Since(c.startTime).Seconds()),
		StreamsStarted:         c.streamsStarted,
		StreamsEnded:           c.streamsEnded,
		StreamsCancelled:       c.streamsCancelled,
		ActiveStreams:          c.activeStreams,
		FramesByEvent:          copyMap(c.framesByEvent),
		ParseRejections:        c.parseRejections,
		QuotaRejections:        c.quotaRejections,
		ScopeRejections:        c.scopeRejections,
		ConnectionsByTransport: copyMap(c.connectionsByTransport),
		Disconnects:            c.disconnects,
		TotalTokensUsed:        c.totalTokensUsed,
		TokensByOrg:            copyMap(c.tokensByOrg),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
