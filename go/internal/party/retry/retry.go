// Package retry runs store writes with bounded linear backoff, error
// classification and per-operation dedupe, and keeps the registry of
// in-flight operations the watchdog inspects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrExhausted wraps the last error once every attempt failed.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrRoomGone is returned when a permission failure turns out to mean the
	// room was deleted.
	ErrRoomGone = errors.New("room no longer exists")
)

// Config holds the defaults applied to requests that leave fields unset.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	ProbeTimeout   time.Duration
}

// DefaultConfig returns the standard write budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		BaseDelay:      250 * time.Millisecond,
		AttemptTimeout: 8 * time.Second,
		ProbeTimeout:   3 * time.Second,
	}
}

// Request describes one logical write.
type Request struct {
	// ID dedupes concurrent requests; generated when empty.
	ID     string
	RoomID string
	// MaxAttempts and BaseDelay override the engine defaults when set.
	MaxAttempts int
	BaseDelay   time.Duration
	// RetryIf narrows the default classification.
	RetryIf func(error) bool
}

// Op performs one attempt.
type Op func(ctx context.Context) error

// Getter is the part of the store used to probe room existence.
type Getter interface {
	Get(ctx context.Context, roomID string) (store.Snapshot, error)
}

// Engine executes requests.
type Engine struct {
	clock    clockwork.Clock
	cfg      Config
	probe    Getter
	registry *Registry
	group    singleflight.Group
}

// New creates an engine. probe may be nil, which disables the room-gone check.
func New(clock clockwork.Clock, cfg Config, probe Getter) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = d.AttemptTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	return &Engine{
		clock:    clock,
		cfg:      cfg,
		probe:    probe,
		registry: newRegistry(clock.Now()),
	}
}

// Registry exposes the pending-operation table.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Do runs op until it succeeds, fails fatally or runs out of attempts. A nil
// return means the write succeeded. Concurrent calls with the same ID share
// one execution and its outcome.
func (e *Engine) Do(ctx context.Context, req Request, op Op) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	_, err, shared := e.group.Do(req.ID, func() (any, error) {
		return nil, e.run(ctx, req, op)
	})
	if shared {
		log.Debug().Str("operation_id", req.ID).Msg("joined in-flight operation")
	}
	return err
}

func (e *Engine) run(ctx context.Context, req Request, op Op) error {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	baseDelay := req.BaseDelay
	if baseDelay <= 0 {
		baseDelay = e.cfg.BaseDelay
	}

	e.registry.start(req.ID, req.RoomID, e.clock.Now())

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := baseDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				e.registry.fail(req.ID, ctx.Err(), e.clock.Now())
				return ctx.Err()
			case <-e.clock.After(delay):
			}
		}

		e.registry.attempt(req.ID)
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			e.registry.succeed(req.ID, e.clock.Now())
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Str("operation_id", req.ID).
					Msg("write succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			e.registry.fail(req.ID, err, e.clock.Now())
			return err
		}
		if !Retryable(err) || (req.RetryIf != nil && !req.RetryIf(err)) {
			e.registry.fail(req.ID, err, e.clock.Now())
			return err
		}
		if store.CodeOf(err) == store.CodePermissionDenied && req.RoomID != "" && e.roomGone(ctx, req.RoomID) {
			e.registry.fail(req.ID, err, e.clock.Now())
			log.Warn().Str("operation_id", req.ID).Str("room_id", req.RoomID).Msg("room gone, abandoning write")
			return fmt.Errorf("operation %s: %w: %w", req.ID, ErrRoomGone, err)
		}

		e.registry.note(req.ID, err)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("operation_id", req.ID).
			Str("room_id", req.RoomID).
			Msg("store write failed, retrying")
	}

	e.registry.fail(req.ID, lastErr, e.clock.Now())
	return fmt.Errorf("operation %s failed after %d attempts: %w: %w", req.ID, maxAttempts, ErrExhausted, lastErr)
}

// roomGone reports whether the room is absent or carries the deleted marker.
// Probe failures are inconclusive and keep the retry going.
func (e *Engine) roomGone(ctx context.Context, roomID string) bool {
	if e.probe == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	snap, err := e.probe.Get(probeCtx, roomID)
	if err != nil {
		return false
	}
	if !snap.Exists {
		return true
	}
	status, _ := snap.Data[models.FieldStatus].(string)
	return models.Status(status) == models.StatusDeleted
}

var networkMarkers = []string{
	"network",
	"offline",
	"connection",
	"blocked",
	"timeout",
	"timed out",
	"eof",
	"unreachable",
}

// Retryable reports whether err is worth another attempt: store codes for
// transient and concurrency failures, attempt timeouts, and network-class
// messages.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch store.CodeOf(err) {
	case store.CodePermissionDenied,
		store.CodeUnavailable,
		store.CodeDeadlineExceeded,
		store.CodeFailedPrecondition:
		return true
	case store.CodeUnknown:
	default:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// NotConflict is a RetryIf that leaves failed-precondition to the caller.
func NotConflict(err error) bool {
	return !errors.Is(err, store.ErrFailedPrecondition)
}
