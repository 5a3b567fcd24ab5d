// Package durablectx mediates every nondeterministic host function a worker
// calls. On a live invocation the real effect runs and its outcome is
// appended to the worker's oplog; replaying that oplog reproduces the
// recorded outcome without re-running the effect. Every host capability goes
// through the same two entry points (Wrap, WrapSuspendable) rather than each
// growing its own persistence logic.
package durablectx

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/types"
)

// Mode selects whether host calls run for real or reproduce a recorded
// outcome.
type Mode int

const (
	ModeReplay Mode = iota
	ModeLive
)

// OplogAppender persists one new entry for a worker and returns its index.
type OplogAppender interface {
	Append(ctx context.Context, worker types.WorkerId, entry types.OplogEntry) (uint64, error)
}

// Suspend replaces the exception-style SuspendForSleep signal with an
// explicit result the caller inspects directly: a poll-style host call
// returns either a value or a Suspend, never both.
type Suspend struct {
	Until time.Time
}

// Ctx tracks one worker's replay position and append target. A single Ctx is
// shared by every host call the worker's running instance makes.
type Ctx struct {
	mu       sync.Mutex
	worker   types.WorkerId
	appender OplogAppender
	mode     Mode
	replay   []types.OplogEntry
	cursor   int
}

// NewLive builds a Ctx for a worker with no outstanding oplog to replay.
func NewLive(worker types.WorkerId, appender OplogAppender) *Ctx {
	return &Ctx{worker: worker, appender: appender, mode: ModeLive}
}

// NewReplay builds a Ctx that reproduces entries from a worker's oplog
// before switching to live execution once they're exhausted.
func NewReplay(worker types.WorkerId, appender OplogAppender, entries []types.OplogEntry) *Ctx {
	return &Ctx{worker: worker, appender: appender, mode: ModeReplay, replay: entries}
}

// Exhausted reports whether every recorded entry has been consumed; the
// worker switches from Replaying to Running once this is true.
func (c *Ctx) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode == ModeLive || c.cursor >= len(c.replay)
}

// PromoteToLive switches a Ctx that has finished replay into live mode.
func (c *Ctx) PromoteToLive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeLive
}

func (c *Ctx) modeNow() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Ctx) nextReplayEntry(callName string) (types.OplogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.cursor < len(c.replay) {
		entry := c.replay[c.cursor]
		c.cursor++
		if entry.CallName != callName {
			continue
		}
		return entry, true
	}
	return types.OplogEntry{}, false
}

func digest(args interface{}) []byte {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

func (c *Ctx) persist(ctx context.Context, kind types.OplogEntryKind, callName string, args interface{}, result interface{}) error {
	var payload []byte
	if result != nil {
		p, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("durablectx: encode result for %q: %w", callName, err)
		}
		payload = p
	}
	if _, err := c.appender.Append(ctx, c.worker, types.OplogEntry{
		Kind:        kind,
		Timestamp:   time.Now(),
		CallName:    callName,
		InputDigest: digest(args),
		Result:      payload,
	}); err != nil {
		return fmt.Errorf("durablectx: persist outcome for %q: %w", callName, err)
	}
	return nil
}

// Wrap mediates one nondeterministic host call. fnType classifies the call's
// persistence policy: ReadLocal calls are deterministic and are simply
// re-executed on replay rather than decoded from the oplog, since running
// them again yields the same answer; every other classification is recorded
// live and reproduced on replay without re-running the effect.
func Wrap[T any](ctx context.Context, c *Ctx, callName string, fnType types.DurableFunctionType, args interface{}, live func(context.Context) (T, error)) (T, error) {
	var zero T

	if c.modeNow() == ModeReplay {
		if fnType == types.ReadLocal {
			return live(ctx)
		}
		entry, ok := c.nextReplayEntry(callName)
		if !ok {
			return zero, fmt.Errorf("durablectx: no recorded entry for %q during replay", callName)
		}
		var result T
		if len(entry.Result) > 0 {
			if err := json.Unmarshal(entry.Result, &result); err != nil {
				return zero, fmt.Errorf("durablectx: decode recorded result for %q: %w", callName, err)
			}
		}
		return result, nil
	}

	result, err := live(ctx)
	if err != nil {
		return zero, err
	}
	if fnType == types.ReadLocal {
		return result, nil
	}
	if err := c.persist(ctx, types.OplogEntryHostCall, callName, args, result); err != nil {
		return zero, err
	}
	return result, nil
}

// WrapSuspendable mediates a poll-style host call that may ask the executor
// to suspend the worker until a future instant instead of returning a value.
// This is the explicit-result-variant redesign of the source's
// exception-style SuspendForSleep signal: callers inspect the returned
// *Suspend rather than catching a thrown sentinel.
func WrapSuspendable[T any](ctx context.Context, c *Ctx, callName string, args interface{}, live func(context.Context) (T, *Suspend, error)) (T, *Suspend, error) {
	var zero T

	if c.modeNow() == ModeReplay {
		entry, ok := c.nextReplayEntry(callName)
		if !ok {
			return zero, nil, fmt.Errorf("durablectx: no recorded entry for %q during replay", callName)
		}
		if entry.Kind == types.OplogEntryScheduledWakeup {
			return zero, nil, nil
		}
		var result T
		if len(entry.Result) > 0 {
			if err := json.Unmarshal(entry.Result, &result); err != nil {
				return zero, nil, fmt.Errorf("durablectx: decode recorded result for %q: %w", callName, err)
			}
		}
		return result, nil, nil
	}

	result, suspend, err := live(ctx)
	if err != nil {
		return zero, nil, err
	}
	if suspend != nil {
		if err := c.persist(ctx, types.OplogEntryScheduledWakeup, callName, args, nil); err != nil {
			return zero, nil, err
		}
		return zero, suspend, nil
	}
	if err := c.persist(ctx, types.OplogEntryHostCall, callName, args, result); err != nil {
		return zero, nil, err
	}
	return result, nil, nil
}
