// Package webhook delivers domain events to a configured HTTP endpoint.
// Payloads are HMAC-signed so the receiver can verify origin and freshness.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/stablepay/paywatch/core/types"
	"github.com/stablepay/paywatch/eventbus"
)

// SignatureHeader carries the delivery signature:
// t=<unix>,v1=<hex hmac-sha256 over "<t>.<raw body>">.
const SignatureHeader = "X-Signature"

// Delivery policy.
const (
	maxAttempts    = 3
	initialBackoff = time.Second
	requestTimeout = 10 * time.Second
)

// Dispatcher is a bus subscriber that POSTs every event to one endpoint.
type Dispatcher struct {
	url    string
	secret []byte
	client *http.Client
	sub    *eventbus.Subscription
	log    log.Logger

	delivered metrics.Counter
	failed    metrics.Counter

	wg sync.WaitGroup

	// now and sleep are split out for deterministic tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewDispatcher creates a dispatcher for one endpoint. The secret signs
// every delivery.
func NewDispatcher(url, secret string, bus *eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: requestTimeout},
		sub:    bus.Subscribe("webhook"),
		log:    log.New("component", "webhook"),

		delivered: metrics.GetOrRegisterCounter("paywatch/webhook/delivered", nil),
		failed:    metrics.GetOrRegisterCounter("paywatch/webhook/failed", nil),

		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Start consumes the event stream until the bus closes.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.sub.Events() {
			if err := d.deliver(ev); err != nil {
				d.failed.Inc(1)
				d.log.Warn("Webhook delivery failed", "event", ev.ID, "type", ev.Type, "err", err)
				continue
			}
			d.delivered.Inc(1)
		}
	}()
	d.log.Info("Webhook dispatcher started", "url", d.url)
}

// Stop unsubscribes and waits for the in-flight delivery to finish.
func (d *Dispatcher) Stop() {
	d.sub.Unsubscribe()
	d.wg.Wait()
}

// deliver POSTs one event, retrying transient failures with exponential
// backoff.
func (d *Dispatcher) deliver(ev types.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sig := d.Sign(body, d.now().Unix())

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.sleep(backoff)
			backoff *= 2
		}
		req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, sig)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("endpoint returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The receiver rejected the payload; retrying won't change that.
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

// Sign computes the X-Signature value for a payload at a given timestamp.
// Exported so receivers in tests can verify deliveries.
func (d *Dispatcher) Sign(body []byte, unix int64) string {
	mac := hmac.New(sha256.New, d.secret)
	fmt.Fprintf(mac, "%d.", unix)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}
