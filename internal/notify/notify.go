// Package notify delivers verification events to a webhook.
//
// Delivery is fire-and-forget: Observe only enqueues, workers POST with
// retry and backoff, and a full queue drops the event. A failed delivery never
// reaches the verifier.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/geogate/internal/pool"
	"github.com/developingchet/geogate/internal/verify"
)

// EventType is the value of the "event" field of every payload.
const EventType = "geofence.access"

// Config configures the webhook target.
type Config struct {
	WebhookURL string
	On         []string // outcomes to forward: "granted", "denied"
	Timeout    time.Duration
	Version    string
}

// Payload is the JSON body POSTed for each event.
type Payload struct {
	Event          string    `json:"event"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	FenceID        string    `json:"fence_id,omitempty"`
	ClientIP       string    `json:"client_ip,omitempty"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier is a verify.Observer backed by a worker pool.
type Notifier struct {
	cfg        Config
	on         map[verify.Outcome]bool
	pool       *pool.Pool
	httpClient *http.Client
	log        zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// New builds a Notifier. Call Start before the first Observe.
func New(cfg Config, poolCfg pool.Config, log zerolog.Logger) (*Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	n := &Notifier{
		cfg:        cfg,
		on:         make(map[verify.Outcome]bool),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("component", "notify").Logger(),
	}
	for _, o := range cfg.On {
		switch verify.Outcome(strings.ToLower(strings.TrimSpace(o))) {
		case verify.Granted:
			n.on[verify.Granted] = true
		case verify.Denied:
			n.on[verify.Denied] = true
		default:
			return nil, fmt.Errorf("unknown notify outcome %q", o)
		}
	}
	p, err := pool.New(poolCfg, n.deliver, n.log)
	if err != nil {
		return nil, err
	}
	n.pool = p
	return n, nil
}

// Start launches the delivery workers.
func (n *Notifier) Start(ctx context.Context) { n.pool.Start(ctx) }

// Stop rejects further events and drains the queue.
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.pool.Stop()
}

// Depth returns the number of queued deliveries.
func (n *Notifier) Depth() int { return n.pool.Depth() }

// Observe implements verify.Observer. It never blocks.
func (n *Notifier) Observe(_ context.Context, ev verify.Event) {
	if !n.on[ev.Decision.Outcome] {
		return
	}
	p := Payload{
		Event:    EventType,
		Outcome:  string(ev.Decision.Outcome),
		Reason:   string(ev.Decision.Reason),
		FenceID:  ev.Decision.FenceID,
		ClientIP: ev.ClientAddress,
		Lat:      ev.Lat,
		Lng:      ev.Lng,
		At:       ev.At,
	}
	if ev.Decision.HasDistance {
		d := ev.Decision.DistanceMeters
		p.DistanceMeters = &d
	}
	body, err := json.Marshal(p)
	if err != nil {
		n.log.Warn().Err(err).Msg("marshal notification payload")
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return
	}
	n.pool.Enqueue(pool.Job{Kind: p.Outcome, Key: p.FenceID, Payload: body})
}

// deliver POSTs one payload. Transport errors, 5xx, 408 and 429 are retried
// by the pool; any other non-2xx status is permanent.
func (n *Notifier) deliver(ctx context.Context, job pool.Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "geogate/"+n.cfg.Version)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return pool.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	n.log.Debug().Str("fence_id", job.Key).Str("outcome", job.Kind).Msg("notification delivered")
	return nil
}
