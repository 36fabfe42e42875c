package subscription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes transition payloads to NATS subjects. The
// callback topic is used as the subject verbatim.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	return p.conn.Publish(topic, payload)
}

// HTTPConfig tunes the HTTP publisher's retry loop.
type HTTPConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultHTTPConfig returns an HTTPConfig with sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           10 * time.Second,
	}
}

// HTTPPublisher POSTs payloads to the callback topic interpreted as a URL,
// with exponential backoff plus jitter. Deliveries that exhaust their
// retries land in the dead-letter store for later inspection or replay.
type HTTPPublisher struct {
	config HTTPConfig
	client *http.Client
	dead   *DeadLetterStore
}

// NewHTTPPublisher creates an HTTPPublisher.
func NewHTTPPublisher(config HTTPConfig, dead *DeadLetterStore) *HTTPPublisher {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.JitterFraction < 0 {
		config.JitterFraction = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if dead == nil {
		dead = NewDeadLetterStore()
	}
	return &HTTPPublisher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		dead:   dead,
	}
}

// SetClient sets a custom HTTP client. Used by tests.
func (p *HTTPPublisher) SetClient(client *http.Client) { p.client = client }

// DeadLetters returns the dead-letter store.
func (p *HTTPPublisher) DeadLetters() *DeadLetterStore { return p.dead }

func (p *HTTPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := p.post(ctx, topic, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	p.dead.Add(&DeadLetter{
		URL:       topic,
		Payload:   payload,
		Attempts:  p.config.MaxRetries + 1,
		LastError: lastErr.Error(),
		FailedAt:  time.Now(),
	})
	return fmt.Errorf("deliver to %s after %d attempts: %w", topic, p.config.MaxRetries+1, lastErr)
}

func (p *HTTPPublisher) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPublisher) backoff(attempt int) time.Duration {
	backoff := float64(p.config.InitialBackoff) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(p.config.MaxBackoff) {
		backoff = float64(p.config.MaxBackoff)
	}
	if p.config.JitterFraction > 0 {
		jitter := backoff * p.config.JitterFraction
		backoff += jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(backoff)
}
