// Package async wraps a ledger.Store with buffered batch writes so token
// charges recorded at stream end never block the emitter path.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/appforge/appforge-gateway/internal/ledger"
)

// Store queues entries in memory and writes them in batches. Entries may be
// lost if the process crashes before a flush; usage accounting here is
// best-effort by design of the charge path.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config configures the async ledger behaviour.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	ChannelBuffer int
	Logger        *log.Logger
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("[async-ledger] write entry: %v", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			close(s.entryChan)
			for entry := range s.entryChan {
				batch = append(batch, entry)
				if len(batch) >= s.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// Record queues an entry without blocking. A full channel drops the entry
// with a log line rather than stalling stream termination.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	select {
	case s.entryChan <- entry:
		return nil
	default:
		if s.logger != nil {
			s.logger.Printf("[async-ledger] channel full, dropping entry for org %s", entry.OrgID)
		}
		return nil
	}
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, orgID string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, orgID)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, orgID string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, orgID, limit)
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
