package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/crucible/internal/artifact"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/pipeline"
)

// Delivery is a validated, persisted artifact received from a remote worker.
type Delivery struct {
	SessionID         string
	ArtifactLocation  string
	TrainingMetrics   model.TrainingMetrics
	EvaluationMetrics model.EvaluationMetrics
	FeatureNames      []string
}

// Receiver accepts artifact deliveries on the initiator side. A delivery is
// persisted exactly once per session; repeated deliveries of the same session
// acknowledge the original location without writing again.
type Receiver struct {
	artifacts *artifact.Store
	logger    *slog.Logger

	mu        sync.Mutex
	delivered map[string]*Delivery
	waiters   map[string][]chan *Delivery
}

// NewReceiver creates a receiver persisting into the given artifact store.
func NewReceiver(artifacts *artifact.Store, logger *slog.Logger) *Receiver {
	return &Receiver{
		artifacts: artifacts,
		logger:    logger,
		delivered: make(map[string]*Delivery),
		waiters:   make(map[string][]chan *Delivery),
	}
}

// Accept decodes the envelope, validates that the artifact loads correctly,
// and persists it under the session's key. Validation failures return a
// PersistenceError so the sender treats the delivery as transient and
// retries. Accept is idempotent per session.
func (r *Receiver) Accept(env *Envelope) (*Delivery, error) {
	if env.SessionID == "" {
		return nil, &model.ValidationError{Msg: "delivery missing session_id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.delivered[env.SessionID]; ok {
		return d, nil
	}

	raw, err := Unpack(env.Artifact, env.Compression)
	if err != nil {
		return nil, &pipeline.PersistenceError{Err: err}
	}

	// Decode validates model structure; a model that does not load is a
	// rejection, not an acknowledgement.
	m, err := artifact.Decode(raw)
	if err != nil {
		return nil, &pipeline.PersistenceError{Err: err}
	}

	location, err := r.artifacts.Save(m, env.SessionID)
	if err != nil {
		return nil, &pipeline.PersistenceError{Err: fmt.Errorf("persist delivered artifact: %w", err)}
	}

	d := &Delivery{
		SessionID:         env.SessionID,
		ArtifactLocation:  location,
		TrainingMetrics:   env.TrainingMetrics,
		EvaluationMetrics: env.EvaluationMetrics,
		FeatureNames:      env.FeatureNames,
	}
	r.delivered[env.SessionID] = d

	for _, ch := range r.waiters[env.SessionID] {
		ch <- d
	}
	delete(r.waiters, env.SessionID)

	r.logger.Info("artifact delivered",
		"session_id", env.SessionID,
		"artifact_location", location,
	)
	return d, nil
}

// Await blocks until the session's artifact has been delivered and persisted,
// or the context expires.
func (r *Receiver) Await(ctx context.Context, sessionID string) (*Delivery, error) {
	r.mu.Lock()
	if d, ok := r.delivered[sessionID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	ch := make(chan *Delivery, 1)
	r.waiters[sessionID] = append(r.waiters[sessionID], ch)
	r.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		r.mu.Lock()
		chans := r.waiters[sessionID]
		for i, c := range chans {
			if c == ch {
				r.waiters[sessionID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("awaiting delivery for session %s: %w", sessionID, ctx.Err())
	}
}
