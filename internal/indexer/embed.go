package indexer

import (
	"context"
	"sync"
	"time"
)

// defaultEmbedBatchSize and defaultEmbedBatchInterval apply when the caller
// leaves the corresponding config value at its zero value.
const (
	defaultEmbedBatchSize     = 50
	defaultEmbedBatchInterval = 100 * time.Millisecond
)

// Embedder turns chunk text into a vector. Implementations call out to an
// embedding API; a nil Embedder disables the queue entirely (vector search
// stays degraded to full-text only).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedQueue drains newly inserted chunk ids in bounded batches, embedding
// each and writing the resulting vector. A chunk that fails to embed is
// logged and skipped rather than retried indefinitely.
type embedQueue struct {
	store    *Store
	embedder Embedder

	batchSize     int
	batchInterval time.Duration

	mu      sync.Mutex
	pending []int64

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newEmbedQueue(store *Store, embedder Embedder, batchSize int, batchInterval time.Duration) *embedQueue {
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}
	if batchInterval <= 0 {
		batchInterval = defaultEmbedBatchInterval
	}
	return &embedQueue{
		store:         store,
		embedder:      embedder,
		batchSize:     batchSize,
		batchInterval: batchInterval,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (q *embedQueue) enqueue(chunkID int64) {
	if q.embedder == nil || !q.store.vecEnabled {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, chunkID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *embedQueue) start() {
	if q.embedder == nil {
		return
	}
	q.wg.Add(1)
	go q.loop()
}

func (q *embedQueue) stop() {
	select {
	case <-q.done:
		return
	default:
		close(q.done)
	}
	q.wg.Wait()
}

func (q *embedQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.drainBatches()
		}
	}
}

func (q *embedQueue) drainBatches() {
	for {
		batch := q.takeBatch()
		if len(batch) == 0 {
			return
		}
		q.embedBatch(batch)

		select {
		case <-q.done:
			return
		case <-time.After(q.batchInterval):
		}
	}
}

func (q *embedQueue) takeBatch() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	n := q.batchSize
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := append([]int64(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	return batch
}

func (q *embedQueue) embedBatch(ids []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range ids {
		var body string
		if err := q.store.db.QueryRowContext(ctx, `SELECT body FROM chunks WHERE id = ?`, id).Scan(&body); err != nil {
			continue
		}
		vec, err := q.embedder.Embed(ctx, body)
		if err != nil {
			q.store.log.Warn("embedding failed, skipping chunk", "chunk_id", id, "error", err)
			continue
		}
		if err := q.store.upsertVector(id, vec); err != nil {
			q.store.log.Warn("store embedding failed", "chunk_id", id, "error", err)
		}
	}
}
