// Package scheduler runs the durable, per-device-serialized command queue
// against the Hub's in-memory microbots, plus the reconnector sibling that
// keeps paired-but-disconnected devices coming back online.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/hub"
	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/metrics"
	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/transport"
)

// DisconnectEveryXRetries forces a reconnect after this many consecutive
// retries of the same action, on the theory that the connection itself has
// gone stale.
const DisconnectEveryXRetries = 5

// Config bounds the scheduler's idle-wait behavior.
type Config struct {
	// MinWait and MaxWait clamp the computed next_action_time sleep.
	MinWait time.Duration
	MaxWait time.Duration
	// IdleWait is used when the queue is empty.
	IdleWait time.Duration
}

// DefaultConfig matches spec.md's clamp(seconds_until, 1, 10) / none -> 30s.
func DefaultConfig() Config {
	return Config{MinWait: 1 * time.Second, MaxWait: 10 * time.Second, IdleWait: 30 * time.Second}
}

// Scheduler drains persistence.ActionStore against the Hub's live Microbots.
type Scheduler struct {
	store persistence.ActionStore
	hub   *hub.Hub
	log   *logger.Logger
	cfg   Config

	wake chan struct{}

	mu          sync.Mutex
	pairSession map[transport.UID]*microbot.PairSession
}

// New constructs a Scheduler. Call Run to start the background loop.
func New(store persistence.ActionStore, h *hub.Hub, cfg Config, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Global()
	}
	return &Scheduler{
		store:       store,
		hub:         h,
		log:         log,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		pairSession: make(map[transport.UID]*microbot.PairSession),
	}
}

// Wake nudges the scheduler to run a step immediately, e.g. after an
// external caller enqueues a new action.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait, err := s.step(ctx)
		if err != nil {
			s.log.Error("scheduler step failed", "err", err)
			wait = 5 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// step runs one scheduling round: dispatch every ready action, advance
// completed chains, delete exhausted ones, and compute the next wait.
func (s *Scheduler) step(ctx context.Context) (time.Duration, error) {
	now := time.Now()
	ready, err := s.store.Ready(now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: ready: %w", err)
	}

	commandedThisTurn := make(map[transport.UID]struct{})
	var results []persistence.TickResult

	for _, act := range ready {
		if _, already := commandedThisTurn[act.MicrobotUID]; already {
			results = append(results, persistence.TickResult{
				ID:          act.ID,
				Reschedule:  true,
				ScheduledAt: act.ScheduledAt.Add(time.Second),
				RetriesLeft: act.RetriesLeft,
				LastError:   act.LastError,
			})
			continue
		}
		commandedThisTurn[act.MicrobotUID] = struct{}{}

		res := s.dispatch(ctx, act)
		switch {
		case res.success:
			metrics.ObserveDispatch(string(act.Kind), metrics.OutcomeSuccess, res.elapsed.Seconds())
			results = append(results, persistence.TickResult{ID: act.ID, Complete: true})

		case res.err != nil:
			metrics.ObserveDispatch(string(act.Kind), metrics.OutcomeFailed, res.elapsed.Seconds())
			results = append(results, s.applyRetry(act, 60, res.err.Error()))

		default:
			metrics.ObserveDispatch(string(act.Kind), metrics.OutcomeRetry, res.elapsed.Seconds())
			if res.freeRetry {
				results = append(results, persistence.TickResult{
					ID:          act.ID,
					Reschedule:  true,
					ScheduledAt: time.Now().Add(time.Duration(res.retrySeconds * float64(time.Second))),
					RetriesLeft: act.RetriesLeft,
					LastError:   act.LastError,
				})
			} else {
				results = append(results, s.applyRetry(act, res.retrySeconds, ""))
			}
		}
	}

	if err := s.store.ApplyTick(now, results); err != nil {
		s.log.Error("scheduler: apply tick", "err", err)
	}

	return s.computeWait(now)
}

// applyRetry decrements retries_left and returns the resulting TickResult:
// chain removal once the budget is exhausted, otherwise a reschedule with
// the requested delay — forcing a disconnect every DisconnectEveryXRetries
// to shake loose a stale link. The caller batches the result into one
// ApplyTick call alongside every other action's outcome this round.
func (s *Scheduler) applyRetry(act *persistence.Action, delaySeconds float64, lastErr string) persistence.TickResult {
	metrics.IncActionRetry(string(act.Kind))
	retriesLeft := act.RetriesLeft - 1
	if retriesLeft <= 0 {
		return persistence.TickResult{ID: act.ID, RemoveChain: true}
	}

	delay := time.Duration(delaySeconds * float64(time.Second))
	if delay < time.Second {
		delay = time.Second
	}

	if retriesLeft%DisconnectEveryXRetries == 0 {
		if dev, ok := s.hub.Registry().Get(act.MicrobotUID); ok {
			s.log.Warn("forcing reconnect after repeated retries", "uid", act.MicrobotUID, "action_id", act.ID)
			dev.Disconnect()
		}
	}

	return persistence.TickResult{
		ID:          act.ID,
		Reschedule:  true,
		ScheduledAt: time.Now().Add(delay),
		RetriesLeft: retriesLeft,
		LastError:   lastErr,
	}
}

// computeWait derives the sleep before the next step from the minimum
// scheduled_at across chain heads.
func (s *Scheduler) computeWait(now time.Time) (time.Duration, error) {
	next, ok, err := s.store.NextScheduledAt()
	if err != nil {
		return 0, fmt.Errorf("scheduler: next scheduled at: %w", err)
	}
	if !ok {
		return s.cfg.IdleWait, nil
	}
	until := next.Sub(now)
	if until <= 0 {
		return 0, nil
	}
	if until < s.cfg.MinWait {
		return s.cfg.MinWait, nil
	}
	if until > s.cfg.MaxWait {
		return s.cfg.MaxWait, nil
	}
	return until, nil
}

type outcome struct {
	success      bool
	retrySeconds float64
	err          error
	elapsed      time.Duration
	// freeRetry marks a retry that shouldn't consume the action's retry
	// budget — an in-progress pairing cycle waiting on a human touch.
	freeRetry bool
}

// dispatch resolves the microbot and invokes the action's primitive,
// translating both device-layer errors and unexpected panics into the
// retry-in-60s outcome the spec prescribes for dispatch exceptions.
func (s *Scheduler) dispatch(ctx context.Context, act *persistence.Action) (result outcome) {
	start := time.Now()
	defer func() {
		result.elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.success = false
			result.retrySeconds = 0
			result.err = fmt.Errorf("scheduler: dispatch panic: %v", r)
		}
	}()

	dev, ok := s.hub.Registry().Get(act.MicrobotUID)
	if !ok {
		return outcome{retrySeconds: 30}
	}

	if !dev.IsConnected() && act.Kind != persistence.ActionPair {
		return outcome{retrySeconds: 60}
	}
	if dev.IsConnected() && act.Kind == persistence.ActionPair {
		return outcome{success: true}
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if act.Kind == persistence.ActionPair {
		return s.dispatchPair(dctx, dev)
	}

	if err := s.invoke(dctx, dev, act); err != nil {
		return outcome{err: err}
	}
	return outcome{success: true}
}

// dispatchPair advances the device's pairing cycle by one iteration; an
// incomplete cycle is a short retry, not a failure, so it never consumes
// the action's retry budget.
func (s *Scheduler) dispatchPair(ctx context.Context, dev *microbot.Microbot) outcome {
	done, err := s.invokePair(ctx, dev)
	if err != nil {
		return outcome{err: err}
	}
	if !done {
		return outcome{retrySeconds: 1, freeRetry: true}
	}
	return outcome{success: true}
}

func (s *Scheduler) invoke(ctx context.Context, dev *microbot.Microbot, act *persistence.Action) error {
	switch act.Kind {
	case persistence.ActionExtend:
		return dev.Extend(ctx)
	case persistence.ActionRetract:
		return dev.Retract(ctx)
	case persistence.ActionCalibrate:
		var args calibrateArgs
		if err := json.Unmarshal(act.Args, &args); err != nil {
			return fmt.Errorf("scheduler: decode calibrate args: %w", err)
		}
		return dev.Calibrate(ctx, args.Pct)
	case persistence.ActionChangeButtonMode:
		var args buttonModeArgs
		if err := json.Unmarshal(act.Args, &args); err != nil {
			return fmt.Errorf("scheduler: decode change_button_mode args: %w", err)
		}
		return dev.ButtonMode(ctx, microbot.ButtonMode(args.Mode))
	case persistence.ActionBlink:
		var args blinkArgs
		if err := json.Unmarshal(act.Args, &args); err != nil {
			return fmt.Errorf("scheduler: decode blink args: %w", err)
		}
		return dev.DeviceBlink(ctx, args.Seconds)
	default:
		return fmt.Errorf("scheduler: unknown action kind %q", act.Kind)
	}
}

// invokePair advances (or starts) the UID's pairing cycle by one 5-second
// LED iteration. A session persists across ticks in s.pairSession so a
// multi-iteration pairing cycle resumes instead of restarting.
func (s *Scheduler) invokePair(ctx context.Context, dev *microbot.Microbot) (bool, error) {
	s.mu.Lock()
	session := s.pairSession[dev.UID()]
	s.mu.Unlock()

	if session == nil {
		var err error
		session, err = dev.Pair(ctx)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.pairSession[dev.UID()] = session
		s.mu.Unlock()
	}

	_, done, err := session.Next(ctx)
	if !done {
		return false, nil
	}

	s.mu.Lock()
	delete(s.pairSession, dev.UID())
	s.mu.Unlock()

	if err != nil {
		return true, err
	}
	return true, nil
}

type calibrateArgs struct {
	Pct float64 `json:"pct"`
}

type buttonModeArgs struct {
	Mode int `json:"mode"`
}

type blinkArgs struct {
	Seconds int `json:"seconds"`
}
