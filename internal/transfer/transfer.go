// Package transfer moves completed artifacts from the remote worker back to
// the initiator: gzip-compressed, base64-encoded, delivered over HTTP with a
// bounded retry policy.
package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

// CompressionGzip is the only compression method currently emitted. The
// method travels inside the envelope so receivers know how to reverse it.
const CompressionGzip = "gzip"

// Envelope is the wire form of a delivered artifact plus its metrics.
type Envelope struct {
	SessionID         string                  `json:"session_id"`
	Artifact          string                  `json:"artifact"`
	Compression       string                  `json:"compression"`
	TrainingMetrics   model.TrainingMetrics   `json:"training_metrics"`
	EvaluationMetrics model.EvaluationMetrics `json:"evaluation_metrics"`
	FeatureNames      []string                `json:"feature_names"`
}

// Ack is the receiver's response to a delivery.
type Ack struct {
	Success          bool   `json:"success"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	Error            string `json:"error,omitempty"`
}

// TransientError marks a delivery failure that exhausted its retries. The
// artifact remains addressable in the remote session for out-of-band
// retrieval; it is never silently discarded.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("artifact delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Pack compresses and base64-encodes raw artifact bytes for transport.
func Pack(artifact []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(artifact); err != nil {
		return "", fmt.Errorf("compress artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("flush compressed artifact: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unpack reverses Pack according to the declared compression method.
func Unpack(encoded, compression string) ([]byte, error) {
	if compression != CompressionGzip {
		return nil, fmt.Errorf("unsupported compression method %q", compression)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	return data, nil
}

var deliveryAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_artifact_delivery_attempts_total",
		Help: "Artifact delivery attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(deliveryAttempts)
}

// Retry policy constants: one initial attempt plus maxRetries retries, with
// delays doubling from initialDelay and capped at maxDelay.
const (
	maxRetries   = 3
	initialDelay = time.Second
	maxDelay     = 8 * time.Second
)

// Channel delivers completed artifacts to a callback address.
type Channel struct {
	client *http.Client
	logger *slog.Logger

	// sleep is swapped out in tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// NewChannel creates a delivery channel.
func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Send compresses, encodes, and posts the artifact and metrics to the
// callback address. A failed attempt is retried up to three times with
// exponential backoff (1s, 2s, 4s, capped at 8s). Exhausted retries are
// logged and surfaced as a TransientError; the caller keeps the artifact
// addressable.
func (c *Channel) Send(ctx context.Context, callbackAddress, sessionID string, artifact []byte, tm model.TrainingMetrics, em model.EvaluationMetrics, featureNames []string) error {
	encoded, err := Pack(artifact)
	if err != nil {
		return err
	}

	env := Envelope{
		SessionID:         sessionID,
		Artifact:          encoded,
		Compression:       CompressionGzip,
		TrainingMetrics:   tm,
		EvaluationMetrics: em,
		FeatureNames:      featureNames,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= 1+maxRetries; attempt++ {
		lastErr = c.post(ctx, callbackAddress, body)
		if lastErr == nil {
			deliveryAttempts.WithLabelValues("success").Inc()
			return nil
		}
		deliveryAttempts.WithLabelValues("failure").Inc()

		c.logger.Warn("artifact delivery attempt failed",
			"session_id", sessionID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt <= maxRetries {
			c.sleep(delay)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}

	err = &TransientError{Attempts: 1 + maxRetries, Err: lastErr}
	c.logger.Error("artifact delivery exhausted retries; artifact parked in session",
		"session_id", sessionID,
		"error", err,
	)
	return err
}

// post performs one delivery attempt. Any non-2xx response is treated as
// transient so a receiver-side validation rejection re-engages the retry
// policy.
func (c *Channel) post(ctx context.Context, callbackAddress string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackAddress, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ack Ack
		if decodeErr := json.NewDecoder(resp.Body).Decode(&ack); decodeErr == nil && ack.Error != "" {
			return fmt.Errorf("callback rejected delivery: %s (status %d)", ack.Error, resp.StatusCode)
		}
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode callback ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("callback rejected delivery: %s", ack.Error)
	}
	return nil
}
