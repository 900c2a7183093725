package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgate/backend/internal/events"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1000
	maxAttempts      = 3
)

type delivery struct {
	sub   *Subscription
	event *events.CloudEvent
}

// Dispatcher consumes gateway events from the bus and POSTs them to
// matching webhook subscriptions. Deliveries are retried up to three
// times; a full queue drops events rather than blocking the bus.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan delivery
	logger   *log.Logger

	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopped     chan struct{}
	consumeDone chan struct{}
}

// NewDispatcher starts the delivery workers and begins consuming from bus.
func NewDispatcher(registry *Registry, bus *events.EventBus) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan delivery, defaultQueueSize),
		logger:      log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		stopped:     make(chan struct{}),
		consumeDone: make(chan struct{}),
	}

	for i := 0; i < defaultWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	ch := bus.Subscribe()
	go d.consume(bus, ch)
	return d
}

func (d *Dispatcher) consume(bus *events.EventBus, ch chan *events.CloudEvent) {
	defer close(d.consumeDone)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			d.enqueue(evt)
		case <-d.stopped:
			return
		}
	}
}

func (d *Dispatcher) enqueue(evt *events.CloudEvent) {
	for _, sub := range d.registry.Subscribers(evt.Type, evt.KeyID) {
		select {
		case d.queue <- delivery{sub: sub, event: evt}:
		default:
			d.logger.Printf("delivery queue full, dropping %s for webhook %s", evt.Type, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for del := range d.queue {
		d.deliver(del)
	}
}

func (d *Dispatcher) deliver(del delivery) {
	payload, err := json.Marshal(del.event)
	if err != nil {
		d.logger.Printf("marshal event %s: %v", del.event.ID, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}
		if lastErr = d.post(del.sub, del.event, payload, attempt); lastErr == nil {
			d.registry.MarkDelivered(del.sub.ID)
			return
		}
	}

	d.logger.Printf("webhook %s failed after %d attempts: %v", del.sub.ID, maxAttempts, lastErr)
	d.registry.MarkFailed(del.sub.ID)
}

func (d *Dispatcher) post(sub *Subscription, evt *events.CloudEvent, payload []byte, attempt int) error {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MCPGate-Event-Type", evt.Type)
	req.Header.Set("X-MCPGate-Event-ID", evt.ID)
	req.Header.Set("X-MCPGate-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		req.Header.Set("X-MCPGate-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown stops consuming and waits for queued deliveries to finish.
// The queue is only closed once the consumer goroutine has exited, so no
// enqueue can race the close.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		<-d.consumeDone
		close(d.queue)
	})
	d.wg.Wait()
}
