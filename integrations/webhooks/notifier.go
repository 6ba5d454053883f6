package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"merkledrop/core/events"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
	defaultDrainWait   = 10 * time.Second
)

// Payload is the JSON body posted for every event.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
	DeliveryID string            `json:"deliveryId"`
}

// Notifier posts signed merkledrop events to an HTTP endpoint with retry and
// exponential backoff. It implements events.Emitter; Emit never blocks the
// ledger and drops events when the queue is full. Close delivers what is
// still queued before returning.
type Notifier struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	types       map[string]struct{}
	limiter     *rate.Limiter
	drainWait   time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ events.Emitter = (*Notifier)(nil)

type delivery struct {
	eventType string
	body      []byte
}

// Option mutates notifier configuration.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			n.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			n.maxBackoff = maxBackoff
		}
	}
}

// WithEventTypes restricts delivery to the listed event types.
func WithEventTypes(types ...string) Option {
	return func(n *Notifier) {
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				if n.types == nil {
					n.types = make(map[string]struct{})
				}
				n.types[t] = struct{}{}
			}
		}
	}
}

// WithRateLimit caps outbound deliveries, retries included. A non-positive
// rate leaves deliveries unthrottled.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(n *Notifier) {
		if perSecond <= 0 {
			n.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDrainTimeout bounds how long Close keeps delivering queued events.
func WithDrainTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.drainWait = d
		}
	}
}

// WithLogger sets the logger used to report dropped and failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a notifier and spawns the worker goroutine.
func NewNotifier(endpoint string, secret []byte, opts ...Option) (*Notifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		drainWait:   defaultDrainWait,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.wg.Add(1)
	go n.worker()
	return n, nil
}

// Close stops accepting events and waits for queued deliveries to complete.
// Deliveries still pending after the drain timeout are abandoned.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(n.drainWait):
		n.logger.Warn("webhook: drain timed out", slog.Int("abandoned", len(n.queue)))
		n.cancel()
		<-drained
	}
	n.cancel()
}

// Emit queues e for delivery.
func (n *Notifier) Emit(e events.Event) {
	if err := n.enqueue(e); err != nil {
		n.logger.Warn("webhook: event dropped", slog.String("type", e.EventType()), slog.Any("error", err))
	}
}

func (n *Notifier) enqueue(e events.Event) error {
	if n == nil {
		return errors.New("webhook: notifier not initialised")
	}
	if n.types != nil {
		if _, ok := n.types[e.EventType()]; !ok {
			return nil
		}
	}
	evt := e.Event()
	if evt == nil {
		return fmt.Errorf("webhook: event %s has no payload", e.EventType())
	}
	data, err := json.Marshal(Payload{
		Type:       evt.Type,
		Attributes: evt.Attributes,
		EmittedAt:  time.Now().UTC(),
		DeliveryID: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("webhook: notifier closed")
	}
	select {
	case n.queue <- delivery{eventType: evt.Type, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for job := range n.queue {
		if n.ctx.Err() != nil {
			continue
		}
		n.process(job)
	}
}

func (n *Notifier) process(job delivery) {
	attempt := 0
	backoff := n.minBackoff
	for {
		attempt++
		if n.limiter != nil {
			if err := n.limiter.Wait(n.ctx); err != nil {
				return
			}
		}
		ctx, cancel := context.WithTimeout(n.ctx, n.client.Timeout)
		err := n.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= n.maxAttempts {
			n.logger.Error("webhook: delivery abandoned",
				slog.String("type", job.eventType),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-n.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, n.maxBackoff)
	}
}

func (n *Notifier) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Merkledrop-Event", job.eventType)
	req.Header.Set("X-Merkledrop-Signature", Sign(n.secret, job.body))
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
