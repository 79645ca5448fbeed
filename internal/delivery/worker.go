// Package delivery implements the Delivery Worker: lease queued messages,
// attempt delivery to the target instance's local HTTP port, retry with
// backoff, dead-letter on exhaustion, and sweep expired messages.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/logging"
	"github.com/PSEUDONYM97/zeroclaw/internal/metrics"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
)

// Pool runs a fixed number of delivery workers plus a TTL sweeper.
type Pool struct {
	Reg             *registry.Registry
	Bus             *eventbus.Bus
	Workers         int
	LeaseDuration   time.Duration
	AttemptDeadline time.Duration
	HTTPClient      *http.Client
}

// Run starts Workers goroutines plus a TTL sweeper, all stopping cleanly
// when ctx is cancelled. In-flight delivery attempts finish (bounded by
// AttemptDeadline); leases release naturally by expiration otherwise.
func (p *Pool) Run(ctx context.Context) {
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: p.AttemptDeadline}
	}
	for i := 0; i < p.Workers; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		go p.runWorker(ctx, owner)
	}
	go p.runSweeper(ctx)
}

func (p *Pool) runWorker(ctx context.Context, owner string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, owner)
		}
	}
}

func (p *Pool) tick(ctx context.Context, owner string) {
	leased, err := p.Reg.LeaseMessages(4, owner, p.LeaseDuration)
	if err != nil {
		logging.WithComponent("delivery").Error().Err(err).Msg("lease failed")
		return
	}
	for _, m := range leased {
		p.attempt(ctx, m)
	}
}

func (p *Pool) attempt(ctx context.Context, m *registry.Message) {
	var port int
	if target, err := p.Reg.GetInstanceByName(m.ToInstance); err == nil && target != nil {
		port = target.Port
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptDeadline)
	defer cancel()

	timer := prometheusTimer()
	success, detail := p.deliverOnce(attemptCtx, port, m)
	timer()

	if err := p.Reg.RecordDeliveryAttempted(m.ID, &detail); err != nil {
		logging.WithComponent("delivery").Error().Err(err).Msg("record attempt failed")
	}

	if success {
		metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
		if err := p.Reg.MarkDelivered(m.ID); err != nil {
			logging.WithComponent("delivery").Error().Err(err).Msg("mark delivered failed")
			return
		}
		if p.Bus != nil {
			p.Bus.Publish(DeliveredEvent{MessageID: m.ID})
		}
		return
	}

	metrics.DeliveryAttemptsTotal.WithLabelValues("failure").Inc()
	expiresAt, parseErr := time.Parse(time.RFC3339Nano, m.ExpiresAt)
	expired := parseErr == nil && time.Now().After(expiresAt)
	// max_retries is a count of attempts, not additional retries after the
	// first: a message dead-letters once attempts reach max_retries.
	deadLetter := expired || m.RetryCount+1 >= m.MaxRetries

	next := time.Now().Add(Backoff(m.ID, m.RetryCount+1))
	if err := p.Reg.RecordDeliveryFailure(m.ID, next, deadLetter, detail); err != nil {
		logging.WithComponent("delivery").Error().Err(err).Msg("record failure failed")
		return
	}
	if deadLetter {
		metrics.DeadLetteredTotal.Inc()
		if p.Bus != nil {
			p.Bus.Publish(DeadLetteredEvent{MessageID: m.ID, Reason: detail})
		}
	}
}

func (p *Pool) deliverOnce(ctx context.Context, port int, m *registry.Message) (success bool, detail string) {
	if port == 0 {
		return false, "target instance has no resolvable port"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/agent/messages", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(m.Payload)))
	if err != nil {
		return false, "request construction failed: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Zeroclaw-Message-Type", m.Type)
	req.Header.Set("X-Zeroclaw-Message-Id", m.ID)

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: p.AttemptDeadline}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "delivery request failed: " + err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("delivered status=%d", resp.StatusCode)
	}
	return false, fmt.Sprintf("non-2xx status=%d", resp.StatusCode)
}

func (p *Pool) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Reg.SweepExpiredQueued()
			if err != nil {
				logging.WithComponent("delivery").Error().Err(err).Msg("ttl sweep failed")
				continue
			}
			if n > 0 {
				metrics.DeadLetteredTotal.Add(float64(n))
			}
		}
	}
}

// DeliveredEvent and DeadLetteredEvent are published on the Event Bus.
type DeliveredEvent struct{ MessageID string }
type DeadLetteredEvent struct {
	MessageID string
	Reason    string
}

func prometheusTimer() func() {
	start := time.Now()
	return func() { metrics.DeliveryDuration.Observe(time.Since(start).Seconds()) }
}
