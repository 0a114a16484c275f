package meshtastic

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mmrelay/mmrelay/internal/config"
)

// minSendDelay is the firmware floor for the pause between mesh sends.
const minSendDelay = time.Duration(config.MinMessageDelay * float64(time.Second))

var (
	clampWarnMu   sync.Mutex
	clampedValues = map[float64]struct{}{}
)

// ClampDelay enforces the send-delay floor. Each distinct below-floor value
// is warned about exactly once so misconfigured plugins don't flood the log.
func ClampDelay(seconds float64) time.Duration {
	delay := time.Duration(seconds * float64(time.Second))
	if delay >= minSendDelay {
		return delay
	}

	clampWarnMu.Lock()
	if _, seen := clampedValues[seconds]; !seen {
		clampedValues[seconds] = struct{}{}
		log.Printf("[meshtastic] delay %gs is below the %gs firmware floor, clamping", seconds, config.MinMessageDelay)
	}
	clampWarnMu.Unlock()

	return minSendDelay
}

// SendResult resolves an enqueued send: the mesh packet ID on success, or
// the send error.
type SendResult struct {
	MeshID uint32
	Err    error
}

type queueItem struct {
	text    string
	channel uint32
	dest    uint32
	result  chan SendResult
}

// Queue is the paced outbound path to the radio: a single consumer drains a
// FIFO, waits out disconnections (preserving order), and sleeps the
// configured delay between sends so the firmware's duty-cycle limits hold.
type Queue struct {
	client *Client
	delay  time.Duration

	mu     sync.Mutex
	closed bool

	items  chan queueItem
	drain  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue starts the consumer. delaySeconds is clamped to the firmware
// floor.
func NewQueue(client *Client, delaySeconds float64) *Queue {
	return newQueue(client, ClampDelay(delaySeconds))
}

// newQueue lets tests run with a sub-floor delay.
func newQueue(client *Client, delay time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client: client,
		delay:  delay,
		items:  make(chan queueItem, 256),
		drain:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.run()
	return q
}

// Enqueue adds a send without blocking and returns its completion channel.
// After Close (or when the buffer is full) the result resolves immediately
// with ErrShuttingDown.
func (q *Queue) Enqueue(text string, channel uint32, dest uint32) <-chan SendResult {
	result := make(chan SendResult, 1)
	item := queueItem{text: text, channel: channel, dest: dest, result: result}

	// The mutex spans the channel send so Enqueue can never race Close's
	// close(q.items).
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		result <- SendResult{Err: ErrShuttingDown}
		return result
	}

	select {
	case q.items <- item:
	default:
		log.Printf("[meshtastic] send queue full, dropping message")
		result <- SendResult{Err: ErrShuttingDown}
	}
	return result
}

// EnqueueBroadcast sends to the channel's broadcast address.
func (q *Queue) EnqueueBroadcast(text string, channel uint32) <-chan SendResult {
	return q.Enqueue(text, channel, BroadcastAddr)
}

func (q *Queue) run() {
	for {
		select {
		case item, ok := <-q.items:
			if !ok {
				close(q.drain)
				return
			}
			q.send(item)
		case <-q.ctx.Done():
			// Abandon whatever is left; Close already logged it.
			close(q.drain)
			return
		}
	}
}

func (q *Queue) send(item queueItem) {
	// Block (preserving order) until the radio link is back.
	if err := q.client.WaitConnected(q.ctx); err != nil {
		item.result <- SendResult{Err: err}
		return
	}

	id, err := q.client.SendText(item.text, item.channel, item.dest)
	if err != nil {
		// No per-item retry here; the caller may re-enqueue.
		log.Printf("[meshtastic] send failed, dropping message: %v", err)
		item.result <- SendResult{Err: err}
		return
	}
	item.result <- SendResult{MeshID: id}

	select {
	case <-time.After(q.delay):
	case <-q.ctx.Done():
	}
}

// Close stops accepting new sends, gives the consumer a bounded window to
// drain what is already queued, then abandons the rest with a warning.
func (q *Queue) Close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	select {
	case <-q.drain:
	case <-time.After(timeout):
		q.cancel()
		abandoned := 0
		for range q.items {
			abandoned++
		}
		if abandoned > 0 {
			log.Printf("[meshtastic] abandoned %d queued sends at shutdown", abandoned)
		}
		<-q.drain
	}
	q.cancel()
}
