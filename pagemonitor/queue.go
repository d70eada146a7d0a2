package pagemonitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	pendingKeyPrefix = "pending_tracking_"
	retryBatchSize   = 5
)

// Sender delivers one queued payload and reports whether it was accepted.
type Sender func(endpoint string, kind EventKind, payload map[string]any) bool

// PersistentQueue is the durable, bounded, per-kind store of tracking events
// awaiting retry. Each kind lives under its own key, so corrupt or racing
// state in one kind never touches the others.
type PersistentQueue struct {
	storage    LocalStorage
	clock      Clock
	maxItems   int
	batchPause time.Duration
	log        zerolog.Logger
}

// NewPersistentQueue builds a queue over storage. storage may be nil; the
// queue then degrades to dropping events (logged, never an error).
func NewPersistentQueue(storage LocalStorage, clock Clock, maxItems int, log zerolog.Logger) *PersistentQueue {
	if clock == nil {
		clock = systemClock{}
	}
	if maxItems <= 0 {
		maxItems = defaultMaxPendingItems
	}
	return &PersistentQueue{
		storage:    storage,
		clock:      clock,
		maxItems:   maxItems,
		batchPause: time.Second,
		log:        log,
	}
}

func pendingKey(kind EventKind) string {
	return pendingKeyPrefix + string(kind)
}

// Enqueue appends the payload to the kind's pending list, stamped with the
// enqueue time, and truncates to the most recent maxItems. A storage-write
// failure halves the list and retries the write once before giving up
// silently.
func (q *PersistentQueue) Enqueue(kind EventKind, payload map[string]any) {
	if q.storage == nil {
		q.log.Warn().Str("kind", string(kind)).Msg("no storage available, dropping pending event")
		return
	}

	key := pendingKey(kind)
	pending := q.readPending(key)

	entry := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		entry[k] = v
	}
	entry["timestamp"] = isoTime(q.clock.Now())

	pending = append(pending, entry)
	if len(pending) > q.maxItems {
		pending = pending[len(pending)-q.maxItems:]
	}

	if err := q.writePending(key, pending); err != nil {
		// Likely quota exhaustion: halve, retry once, then give up.
		half := q.maxItems / 2
		if len(pending) > half {
			pending = pending[len(pending)-half:]
		}
		if err := q.writePending(key, pending); err != nil {
			q.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to persist pending event")
		}
	}
}

// DrainAndRetry replays each retryable kind's pending list through sender in
// batches, pausing between batches, and keeps only the items that failed. A
// malformed stored list is reset to empty and the other kinds continue.
func (q *PersistentQueue) DrainAndRetry(sender Sender) {
	if q.storage == nil || sender == nil {
		return
	}

	for _, kind := range retryKinds {
		key := pendingKey(kind)

		raw, err := q.storage.GetItem(key)
		if err != nil {
			q.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to read pending list")
			continue
		}
		if raw == "" {
			continue
		}

		var pending []map[string]any
		if err := json.Unmarshal([]byte(raw), &pending); err != nil {
			q.log.Warn().Err(err).Str("kind", string(kind)).Msg("resetting malformed pending list")
			if err := q.writePending(key, nil); err != nil {
				q.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to reset pending list")
			}
			continue
		}
		if len(pending) == 0 {
			continue
		}

		q.log.Debug().Int("count", len(pending)).Str("kind", string(kind)).Msg("retrying pending events")

		endpoint := "/track/" + string(kind)
		var remaining []map[string]any

		for start := 0; start < len(pending); start += retryBatchSize {
			end := start + retryBatchSize
			if end > len(pending) {
				end = len(pending)
			}
			batch := pending[start:end]

			// All outcomes of a batch are awaited together; one item's
			// failure never aborts the batch or the ones after it.
			results := make([]bool, len(batch))
			var wg sync.WaitGroup
			for i := range batch {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer func() {
						if r := recover(); r != nil {
							q.log.Error().Interface("panic", r).Msg("retry sender panicked")
						}
					}()
					results[i] = sender(endpoint, kind, batch[i])
				}(i)
			}
			wg.Wait()

			for i, ok := range results {
				if !ok {
					remaining = append(remaining, batch[i])
				}
			}

			if end < len(pending) {
				time.Sleep(q.batchPause)
			}
		}

		if err := q.writePending(key, remaining); err != nil {
			q.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to update pending list")
		}
	}
}

// Depth returns the number of pending items stored for kind.
func (q *PersistentQueue) Depth(kind EventKind) int {
	if q.storage == nil {
		return 0
	}
	return len(q.readPending(pendingKey(kind)))
}

// Counts returns the pending depth per retryable kind.
func (q *PersistentQueue) Counts() map[string]int {
	counts := make(map[string]int, len(retryKinds))
	for _, kind := range retryKinds {
		counts[string(kind)] = q.Depth(kind)
	}
	return counts
}

func (q *PersistentQueue) readPending(key string) []map[string]any {
	raw, err := q.storage.GetItem(key)
	if err != nil || raw == "" {
		return nil
	}
	var pending []map[string]any
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil
	}
	return pending
}

func (q *PersistentQueue) writePending(key string, pending []map[string]any) error {
	if pending == nil {
		pending = []map[string]any{}
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return q.storage.SetItem(key, string(encoded))
}
