package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DeliveryStatus represents the status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Delivery tracks one event on its way to the sinks.
type Delivery struct {
	Event        *Event         `json:"event"`
	QueuedAt     time.Time      `json:"queued_at"`
	AttemptCount int            `json:"attempt_count"`
	Status       DeliveryStatus `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	inFlight     bool
}

// DeliveryResult represents the result of a delivery attempt
type DeliveryResult struct {
	Sink      string    `json:"sink"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Sinks          []string `json:"sinks"`
	Pending        int      `json:"pending_events"`
	Delivered      int64    `json:"delivered_total"`
	Failed         int64    `json:"failed_total"`
	MaxRetries     int      `json:"max_retries"`
	TimeoutMs      int64    `json:"timeout_ms"`
	RetryBackoffMs int64    `json:"retry_backoff_ms"`
}

// DeliveryManager fans events out to every sink in parallel. Events that fail
// on any sink stay pending and are retried on a ticker until maxRetries.
type DeliveryManager struct {
	mu            sync.RWMutex
	sinks         []Sink
	pendingEvents map[string]*Delivery
	delivered     int64
	failed        int64
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration
	wg            sync.WaitGroup
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewDeliveryManager creates a manager for the given sinks. Call Start to run
// the retry loop.
func NewDeliveryManager(sinks ...Sink) *DeliveryManager {
	return &DeliveryManager{
		sinks:         sinks,
		pendingEvents: make(map[string]*Delivery),
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       10 * time.Second,
		stop:          make(chan struct{}),
	}
}

// Enabled reports whether any sink is configured.
func (dm *DeliveryManager) Enabled() bool {
	return dm != nil && len(dm.sinks) > 0
}

// Start launches the background retry processor.
func (dm *DeliveryManager) Start() {
	if !dm.Enabled() {
		log.Info().Msg("No event sinks configured, conversation events will not be published")
		return
	}
	dm.wg.Add(1)
	go dm.processRetries()

	names := make([]string, 0, len(dm.sinks))
	for _, s := range dm.sinks {
		names = append(names, s.Name())
	}
	log.Info().
		Strs("sinks", names).
		Int("maxRetries", dm.maxRetries).
		Dur("timeout", dm.timeout).
		Msg("Delivery manager initialized")
}

// Stop ends the retry loop and waits for in-flight deliveries.
func (dm *DeliveryManager) Stop() {
	if dm == nil {
		return
	}
	dm.stopOnce.Do(func() { close(dm.stop) })
	dm.wg.Wait()
}

// Deliver queues an event and starts delivering it in the background.
func (dm *DeliveryManager) Deliver(event *Event) {
	if !dm.Enabled() || event == nil {
		return
	}
	select {
	case <-dm.stop:
		log.Warn().Str("eventID", event.ID).Msg("Delivery manager stopped, dropping event")
		return
	default:
	}
	d := &Delivery{
		Event:    event,
		QueuedAt: time.Now(),
		Status:   DeliveryStatusPending,
		inFlight: true,
	}

	dm.mu.Lock()
	dm.pendingEvents[event.ID] = d
	dm.mu.Unlock()

	log.Debug().
		Str("eventID", event.ID).
		Str("eventType", event.Type).
		Int64("conversationID", event.ConversationID).
		Msg("Starting parallel delivery")

	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		dm.processDelivery(d)
	}()
}

// processDelivery handles the actual delivery to all sinks
func (dm *DeliveryManager) processDelivery(d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), dm.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan DeliveryResult, len(dm.sinks))
	for _, sink := range dm.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			results <- dm.deliverToSink(ctx, sink, d.Event)
		}(sink)
	}
	wg.Wait()
	close(results)

	allSuccess := true
	var lastErr string
	for result := range results {
		if !result.Success {
			allSuccess = false
			lastErr = result.Sink + ": " + result.Error
		}
		log.Debug().
			Str("eventID", d.Event.ID).
			Str("sink", result.Sink).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Sink delivery result")
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	d.inFlight = false
	if allSuccess {
		d.Status = DeliveryStatusDelivered
		delete(dm.pendingEvents, d.Event.ID)
		dm.delivered++
		return
	}

	d.AttemptCount++
	d.LastError = lastErr
	if d.AttemptCount >= dm.maxRetries {
		d.Status = DeliveryStatusFailed
		delete(dm.pendingEvents, d.Event.ID)
		dm.failed++
		log.Error().
			Str("eventID", d.Event.ID).
			Str("eventType", d.Event.Type).
			Int("attemptCount", d.AttemptCount).
			Str("lastError", lastErr).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", d.Event.ID).
		Int("attemptCount", d.AttemptCount).
		Int("maxRetries", dm.maxRetries).
		Str("lastError", lastErr).
		Msg("Event delivery partially failed, will retry")
}

func (dm *DeliveryManager) deliverToSink(ctx context.Context, sink Sink, event *Event) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Sink: sink.Name(), Timestamp: start}

	err := sink.Publish(ctx, event)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("eventID", event.ID).
			Str("eventType", event.Type).
			Str("sink", result.Sink).
			Msg("Sink delivery failed")
		return result
	}
	result.Success = true
	return result
}

// processRetries handles retry logic for failed deliveries
func (dm *DeliveryManager) processRetries() {
	defer dm.wg.Done()
	ticker := time.NewTicker(dm.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-dm.stop:
			return
		case <-ticker.C:
			dm.RetryPending()
		}
	}
}

// RetryPending re-dispatches every pending event that is not in flight and
// returns how many were started.
func (dm *DeliveryManager) RetryPending() int {
	dm.mu.Lock()
	toRetry := make([]*Delivery, 0)
	for _, d := range dm.pendingEvents {
		if d.Status == DeliveryStatusPending && !d.inFlight && d.AttemptCount < dm.maxRetries {
			d.inFlight = true
			toRetry = append(toRetry, d)
		}
	}
	dm.mu.Unlock()

	for _, d := range toRetry {
		log.Info().
			Str("eventID", d.Event.ID).
			Int("attemptCount", d.AttemptCount).
			Msg("Retrying failed event delivery")
		dm.wg.Add(1)
		go func(d *Delivery) {
			defer dm.wg.Done()
			dm.processDelivery(d)
		}(d)
	}
	return len(toRetry)
}

// RetryEvent resets the attempt counter of a pending event and delivers it
// again. It returns false if the event is unknown or already in flight.
func (dm *DeliveryManager) RetryEvent(eventID string) bool {
	dm.mu.Lock()
	d, ok := dm.pendingEvents[eventID]
	if !ok || d.inFlight {
		dm.mu.Unlock()
		return false
	}
	d.AttemptCount = 0
	d.Status = DeliveryStatusPending
	d.inFlight = true
	dm.mu.Unlock()

	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		dm.processDelivery(d)
	}()
	return true
}

// PendingCount returns the number of pending events
func (dm *DeliveryManager) PendingCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.pendingEvents)
}

// EventStatus returns a copy of a pending event's delivery record.
func (dm *DeliveryManager) EventStatus(eventID string) (Delivery, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	d, ok := dm.pendingEvents[eventID]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// Pending returns up to limit pending deliveries, optionally filtered by
// event type, plus the number matching the filter.
func (dm *DeliveryManager) Pending(eventType string, limit int) ([]Delivery, int) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]Delivery, 0)
	count := 0
	for _, d := range dm.pendingEvents {
		if eventType != "" && d.Event.Type != eventType {
			continue
		}
		if limit <= 0 || len(out) < limit {
			out = append(out, *d)
		}
		count++
	}
	return out, count
}

// Stats returns the manager's counters.
func (dm *DeliveryManager) Stats() Stats {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	names := make([]string, 0, len(dm.sinks))
	for _, s := range dm.sinks {
		names = append(names, s.Name())
	}
	return Stats{
		Sinks:          names,
		Pending:        len(dm.pendingEvents),
		Delivered:      dm.delivered,
		Failed:         dm.failed,
		MaxRetries:     dm.maxRetries,
		TimeoutMs:      dm.timeout.Milliseconds(),
		RetryBackoffMs: dm.retryBackoff.Milliseconds(),
	}
}
