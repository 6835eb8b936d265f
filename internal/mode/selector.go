// Package mode decides, per request, whether a training operation executes
// locally or on the remote worker.
package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// ErrUnavailable is returned when remote execution is required but the worker
// is unreachable and no fallback applies.
var ErrUnavailable = errors.New("remote execution unavailable")

// probeTimeout bounds the worker health probe.
const probeTimeout = 2 * time.Second

// HealthProber reports whether the remote worker is reachable and healthy.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// HTTPProber probes the worker's /healthz endpoint.
type HTTPProber struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProber returns a prober against the worker at baseURL.
func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{
		baseURL: baseURL,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

// Healthy performs one bounded GET against the worker health endpoint.
func (p *HTTPProber) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Selector is a single-shot, retry-free mode decision. For identical inputs
// and the same health state it always yields the same decision.
type Selector struct {
	defaultMode string
	prober      HealthProber
	logger      *slog.Logger
}

// NewSelector creates a selector. defaultMode applies when a request leaves
// the mode empty; it is injected here, not read from the environment at call
// time, so decisions stay deterministic.
func NewSelector(defaultMode string, prober HealthProber, logger *slog.Logger) *Selector {
	return &Selector{
		defaultMode: defaultMode,
		prober:      prober,
		logger:      logger,
	}
}

// Select resolves the requested mode to a concrete one.
//
//   - local: returned unconditionally.
//   - remote: health-probed; unhealthy degrades to local unless an
//     accelerator is required, in which case ErrUnavailable is returned.
//   - auto: behaves as remote when an accelerator is required, otherwise
//     prefers local (no network round-trip to start).
func (s *Selector) Select(ctx context.Context, requested string, requireAccelerator bool) (string, error) {
	if requested == "" {
		requested = s.defaultMode
	}

	switch requested {
	case model.ModeLocal:
		return model.ModeLocal, nil
	case model.ModeRemote:
		return s.selectRemote(ctx, requireAccelerator)
	case model.ModeAuto:
		if requireAccelerator {
			return s.selectRemote(ctx, true)
		}
		return model.ModeLocal, nil
	default:
		return "", &model.ValidationError{Msg: fmt.Sprintf("unknown execution mode %q", requested)}
	}
}

func (s *Selector) selectRemote(ctx context.Context, requireAccelerator bool) (string, error) {
	if s.prober.Healthy(ctx) {
		return model.ModeRemote, nil
	}
	if requireAccelerator {
		return "", fmt.Errorf("worker health probe failed and accelerator is required: %w", ErrUnavailable)
	}
	s.logger.Warn("remote worker unhealthy, falling back to local execution")
	return model.ModeLocal, nil
}
