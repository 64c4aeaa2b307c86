package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTenant    = "X-Tenant"
)

var ErrCircuitOpen = errors.New("webhook circuit open")

// WebhookClient posts signed event bodies. Retries belong to the dispatcher;
// the client only trips a per-URL breaker after repeated failures.
type WebhookClient struct {
	http *resty.Client

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookClient{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		breakers: make(map[string]*circuitBreaker),
	}
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Post sends body to url. 4xx responses other than 408 and 429 are permanent
// and stop the dispatcher's retry loop.
func (c *WebhookClient) Post(ctx context.Context, url string, secret string, tenantID uuid.UUID, body []byte) error {
	breaker := c.breaker(url)
	if breaker.Open() {
		return ErrCircuitOpen
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderSignature, Sign(secret, body)).
		SetHeader(HeaderTenant, tenantID.String()).
		SetBody(body).
		Post(url)
	if err != nil {
		breaker.Fail()
		return err
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		breaker.Success()
		return nil
	case code >= 500 || code == 408 || code == 429:
		breaker.Fail()
		return fmt.Errorf("webhook returned %d", code)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected with %d", code))
	}
}

func (c *WebhookClient) breaker(url string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[url]
	if !ok {
		b = newCircuitBreaker(5, 30*time.Second)
		c.breakers[url] = b
	}
	return b
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
