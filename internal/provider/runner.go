package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/circuitbreaker"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/mbd888/settlehub/internal/settlement"
	"github.com/mbd888/settlehub/internal/traces"
)

// Settler is the part of *settlement.Engine the runner drives.
type Settler interface {
	StartProcessing(ctx context.Context, requestID, message string) (*requests.Request, bool, error)
	CompleteAndSettle(ctx context.Context, requestID string, result json.RawMessage, message string) (*settlement.Outcome, error)
	FailAndRefund(ctx context.Context, requestID, reason string, shouldRefund bool) (*settlement.Outcome, error)
}

// Config tunes how providers are called.
type Config struct {
	Timeout          time.Duration // per attempt
	Attempts         int
	BaseDelay        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		Attempts:         3,
		BaseDelay:        500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Runner moves charged requests through PROCESSING to a terminal state.
// Provider calls never run inside a settlement transaction, so a slow
// provider holds no locks. Failures and timeouts refund the charge.
type Runner struct {
	settler  Settler
	registry *Registry
	breaker  *circuitbreaker.Breaker
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
	inflight int
}

// NewRunner creates a runner.
func NewRunner(settler Settler, registry *Registry, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	r := &Runner{
		settler:  settler,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	r.breaker = circuitbreaker.New("provider", cfg.BreakerThreshold, cfg.BreakerCooldown).
		OnTransition(r.logCircuit)
	return r
}

func (r *Runner) logCircuit(t circuitbreaker.Transition) {
	switch t.To {
	case circuitbreaker.StateOpen:
		r.logger.Warn("provider circuit opened, requests will fail and refund",
			"service", t.Key, "failures", t.Failures, "cooldown", t.Cooldown)
	case circuitbreaker.StateHalfOpen:
		r.logger.Info("provider circuit half-open, trying one request", "service", t.Key)
	case circuitbreaker.StateClosed:
		r.logger.Info("provider circuit closed", "service", t.Key)
	}
}

// Dispatch implements settlement.Dispatcher. Requests for services without a
// registered provider are left PENDING for an operator to settle.
func (r *Runner) Dispatch(ctx context.Context, receipt *settlement.Receipt) {
	if receipt == nil || receipt.Request == nil || receipt.Replayed {
		return
	}
	req := receipt.Request
	if _, ok := r.registry.Lookup(req.ServiceID); !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("runner closed, request left pending", "request", req.ID)
		return
	}
	r.wg.Add(1)
	r.inflight++
	r.mu.Unlock()

	call := Call{RequestID: req.ID, ServiceID: req.ServiceID, AccountID: req.AccountID, Inputs: req.Inputs}
	go func() {
		defer func() {
			r.mu.Lock()
			r.inflight--
			r.mu.Unlock()
			r.wg.Done()
		}()
		if _, err := r.Execute(context.WithoutCancel(ctx), call); err != nil {
			r.logger.Error("request execution failed", "request", call.RequestID, "error", err)
		}
	}()
}

// Execute runs one request synchronously: mark PROCESSING, call the
// provider, then complete or fail-and-refund. It returns the settlement
// outcome; a provider failure is reported through the outcome, not err.
// A request that is already PROCESSING or settled returns a nil outcome.
func (r *Runner) Execute(ctx context.Context, call Call) (*settlement.Outcome, error) {
	_, applied, err := r.settler.StartProcessing(ctx, call.RequestID, "provider call started")
	if err != nil {
		if errors.Is(err, settlement.ErrInvalidTransition) {
			// Already settled elsewhere.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}
	if !applied {
		// Another worker or an operator owns the call.
		r.logger.Info("request already processing, provider not called", "request", call.RequestID)
		return nil, nil
	}

	result, callErr := r.invoke(ctx, call)
	if callErr == nil {
		out, err := r.settler.CompleteAndSettle(ctx, call.RequestID, result, "completed by provider")
		if err != nil {
			r.logger.Error("provider succeeded but completion failed; request left in PROCESSING",
				"request", call.RequestID, "error", err)
			return nil, err
		}
		return out, nil
	}

	out, err := r.settler.FailAndRefund(ctx, call.RequestID, callErr.Error(), true)
	if err != nil {
		r.logger.Error("provider failed and refund could not be recorded; request left in PROCESSING",
			"request", call.RequestID, "provider_error", callErr, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *Runner) invoke(ctx context.Context, call Call) (result json.RawMessage, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "provider.Invoke",
		traces.ServiceID(call.ServiceID), traces.RequestID(call.RequestID))
	defer func() {
		outcome := "success"
		switch {
		case errors.Is(err, ErrCircuitOpen):
			outcome = "circuit_open"
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case err != nil:
			outcome = "failure"
		}
		metrics.ProviderCallsTotal.WithLabelValues(call.ServiceID, outcome).Inc()
		metrics.ProviderCallDuration.WithLabelValues(call.ServiceID).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	p, ok := r.registry.Lookup(call.ServiceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, call.ServiceID)
	}
	if !r.breaker.Allow(call.ServiceID) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, call.ServiceID)
	}

	err = retry.Do(ctx, r.cfg.Attempts, r.cfg.BaseDelay, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		res, ierr := p.Invoke(attemptCtx, call)
		if ierr != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: timed out after %s: %w", ErrProviderFailure, r.cfg.Timeout, context.DeadlineExceeded)
			}
			return ierr
		}
		result = res
		return nil
	})
	if err != nil {
		r.breaker.RecordFailure(call.ServiceID)
		if !errors.Is(err, ErrProviderFailure) {
			err = fmt.Errorf("%w: %w", ErrProviderFailure, err)
		}
		return nil, err
	}
	r.breaker.RecordSuccess(call.ServiceID)
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return result, nil
}

// InFlight returns how many dispatched requests are still running.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Shutdown stops accepting work and waits for in-flight requests or ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ settlement.Dispatcher = (*Runner)(nil)
