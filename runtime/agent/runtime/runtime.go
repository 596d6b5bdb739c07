// Package runtime composes the durable agent runtime: the service facade
// (Run, Stream, Cancel), the per-step agent loop, the suspension and resume
// engine and the sub-agent delegation tools. All collaborators are injected;
// the runtime holds no global state.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/cache"
	"goa.design/agentrun/runtime/agent/cancel"
	"goa.design/agentrun/runtime/agent/dispatch"
	"goa.design/agentrun/runtime/agent/lock"
	"goa.design/agentrun/runtime/agent/manifest"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/storage"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/telemetry"
	"goa.design/agentrun/runtime/agent/tools"
)

type (
	// Config wires the runtime's collaborators. Clients and Cache are
	// required; everything else has a working default.
	Config struct {
		// Clients registers the LLM providers manifests may name.
		Clients map[string]model.Client

		// Cache backs the state store and the cancellation channel.
		Cache cache.Cache

		// Lock is the distributed run lock. Defaults to the in-process
		// implementation; pass the Redis one for multi-process deployments.
		Lock lock.Lock

		// Storage offloads binary message content. Optional.
		Storage storage.Storage

		// Sink taps every emitted stream event. Optional.
		Sink stream.Sink

		// Middleware is applied globally to every tool call.
		Middleware []tools.Middleware

		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics

		Options Options
	}

	// Runtime is the service facade and the owner of all run machinery.
	Runtime struct {
		clients    map[string]model.Client
		states     *state.Store
		locks      *lock.RunLock
		cancels    *cancel.Channel
		harness    *tools.Harness
		dispatcher *dispatch.Dispatcher
		sink       stream.Sink

		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics

		opts Options
	}
)

// New builds a runtime from the given configuration.
func New(cfg Config) (*Runtime, error) {
	if len(cfg.Clients) == 0 {
		return nil, agent.ValidationErrorf("runtime requires at least one model client")
	}
	if cfg.Cache == nil {
		return nil, agent.ValidationErrorf("runtime requires a cache")
	}
	if err := cfg.Options.Normalize(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Lock == nil {
		cfg.Lock = lock.NewInMem()
	}
	harness := tools.NewHarness(tools.WithLogger(logger), tools.WithMiddleware(cfg.Middleware...))
	rt := &Runtime{
		clients: cfg.Clients,
		states: state.NewStore(cfg.Cache, cfg.Storage,
			state.WithTTL(cfg.Options.StateTTL),
			state.WithURLExpiry(cfg.Options.DownloadURLExpiry)),
		locks:      lock.NewRunLock(cfg.Lock, cfg.Options.LockTTL),
		cancels:    cancel.New(cfg.Cache, cfg.Options.SignalTTL),
		harness:    harness,
		dispatcher: dispatch.New(harness, logger),
		sink:       cfg.Sink,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		opts:       cfg.Options,
	}
	return rt, nil
}

// client resolves the model client a manifest names, wrapped with tracing
// and usage metrics.
func (rt *Runtime) client(man *manifest.Manifest) (model.Client, error) {
	c, ok := rt.clients[man.Provider.Client]
	if !ok {
		return nil, agent.NotFoundf("model client %q is not registered", man.Provider.Client).
			WithMeta("manifestId", man.ID.String())
	}
	return newTracedClient(c, rt.tracer, rt.metrics, rt.logger), nil
}

// Run drives a run to a terminal state and returns the result. At most one
// execution per run id is in flight; a concurrent attempt fails with a
// Conflict error result.
func (rt *Runtime) Run(ctx context.Context, cfg RunConfig, in Input) (*run.Result, error) {
	mm, runID, err := rt.prepare(cfg, in)
	if err != nil {
		return nil, err
	}
	return rt.execute(ctx, mm, cfg.Root, in, runID, nil), nil
}

// Stream drives a run while exposing its events lazily. The returned channel
// yields events and errors and ends with exactly one final item carrying the
// terminal result. The lock is held for the stream's lifetime. Cancelling
// ctx cancels the run cooperatively.
func (rt *Runtime) Stream(ctx context.Context, cfg RunConfig, in Input) (<-chan stream.Item, error) {
	mm, runID, err := rt.prepare(cfg, in)
	if err != nil {
		return nil, err
	}
	popts := []stream.PipelineOption{stream.WithBuffer(rt.opts.StreamBuffer)}
	if rt.sink != nil {
		popts = append(popts, stream.WithSink(rt.sink))
	}
	pipe := stream.NewPipeline(popts...)
	for _, m := range mm {
		pipe.AllowEvents(m.ID, m.StreamingEvents)
	}
	go func() {
		res := rt.execute(ctx, mm, cfg.Root, in, runID, pipe)
		// The final item must go out even when the consumer's context died.
		fctx, cancelf := context.WithTimeout(context.WithoutCancel(ctx), rt.opts.LockTTL)
		defer cancelf()
		if err := pipe.Finish(fctx, res); err != nil {
			rt.logger.Error(ctx, "stream final item not delivered", "run", runID, "err", err)
		}
	}()
	return pipe.Items(), nil
}

// Cancel requests cancellation of a run. Suspended runs move directly to
// cancelled, recursively across child states. Running runs get a cooperative
// signal. Terminal runs report already-terminal. Cancel is idempotent.
func (rt *Runtime) Cancel(ctx context.Context, runID agent.RunID) (*run.CancelResult, error) {
	st, err := rt.states.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Status.Terminal():
		return &run.CancelResult{RunID: runID, Status: run.CancelAlreadyTerminal}, nil
	case st.Status == state.StatusSuspended:
		holder := uuid.NewString()
		err := rt.locks.WithLock(ctx, runID, holder, func(ctx context.Context) error {
			return rt.cancelTree(ctx, st)
		})
		if err != nil {
			if agent.CodeOf(err) == agent.CodeConflict {
				// Someone is resuming it right now; fall back to the signal.
				if serr := rt.cancels.Cancel(ctx, runID, "cancel requested"); serr != nil {
					return nil, serr
				}
				return &run.CancelResult{RunID: runID, Status: run.CancelSignalled}, nil
			}
			return nil, err
		}
		return &run.CancelResult{RunID: runID, Status: run.CancelCancelled}, nil
	default:
		// Running: signal and let the loop observe it. If nothing holds the
		// lock and the state is stale the run crashed; mark it failed.
		if err := rt.cancels.Cancel(ctx, runID, "cancel requested"); err != nil {
			return nil, err
		}
		locked, err := rt.locks.IsLocked(ctx, runID)
		if err == nil && !locked && rt.crashed(st) {
			holder := uuid.NewString()
			_ = rt.locks.WithLock(ctx, runID, holder, func(ctx context.Context) error {
				st.Status = state.StatusFailed
				return rt.states.Set(ctx, st)
			})
			return &run.CancelResult{RunID: runID, Status: run.CancelCancelled}, nil
		}
		return &run.CancelResult{RunID: runID, Status: run.CancelSignalled}, nil
	}
}

// cancelTree marks st and every descendant state cancelled.
func (rt *Runtime) cancelTree(ctx context.Context, st *state.AgentState) error {
	for _, childID := range st.ChildStateIDs {
		child, err := rt.states.Get(ctx, childID)
		if err != nil {
			if agent.CodeOf(err) == agent.CodeNotFound {
				continue
			}
			return err
		}
		if !child.Status.Terminal() {
			if err := rt.cancelTree(ctx, child); err != nil {
				return err
			}
		}
	}
	st.Status = state.StatusCancelled
	st.Suspensions = nil
	st.SuspensionStacks = nil
	st.PendingToolResults = nil
	return rt.states.Set(ctx, st)
}

// crashed reports whether a running state went stale past the lock TTL.
func (rt *Runtime) crashed(st *state.AgentState) bool {
	return st.Status == state.StatusRunning && time.Since(st.UpdatedAt) > rt.opts.LockTTL
}

// prepare validates the manifest graph and the input.
func (rt *Runtime) prepare(cfg RunConfig, in Input) (manifest.Map, agent.RunID, error) {
	mm, err := manifest.BuildMap(cfg.Manifests, cfg.Root)
	if err != nil {
		return nil, "", err
	}
	for _, m := range mm {
		if _, err := rt.client(m); err != nil {
			return nil, "", err
		}
	}
	runID, err := in.validate()
	if err != nil {
		return nil, "", err
	}
	if in.Type == InputRequest {
		runID = agent.NewRunID()
	}
	return mm, runID, nil
}

// execute runs one input cycle under the run lock. All failures, including
// panics, surface as error results so the stream's final item is always
// well formed.
func (rt *Runtime) execute(ctx context.Context, mm manifest.Map, rootID agent.ID, in Input, runID agent.RunID, pipe *stream.Pipeline) (res *run.Result) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error(ctx, "run panicked", "run", runID, "panic", r)
			res = run.Failed(runID, agent.Internalf("run %s panicked: %v", runID, r))
		}
	}()
	holder := uuid.NewString()
	err := rt.locks.WithLock(ctx, runID, holder, func(ctx context.Context) error {
		res = rt.dispatchInput(ctx, mm, rootID, in, runID, pipe)
		return nil
	})
	if err != nil {
		return run.Failed(runID, err)
	}
	return res
}

// dispatchInput routes the input union to the loop or the resume engine.
func (rt *Runtime) dispatchInput(ctx context.Context, mm manifest.Map, rootID agent.ID, in Input, runID agent.RunID, pipe *stream.Pipeline) *run.Result {
	man, err := mm.Get(rootID)
	if err != nil {
		return run.Failed(runID, err)
	}
	switch in.Type {
	case InputRequest:
		st := state.New(runID, rootID, rootID, man.Version)
		msg := model.NewUserText(in.Request.Prompt)
		if len(in.Request.Context) > 0 {
			msg.Meta = in.Request.Context
		}
		st.Messages = append(st.Messages, msg)
		e := rt.newExecution(mm, man, st, pipe, "")
		return e.loop(ctx)

	case InputReply:
		st, err := rt.states.Get(ctx, runID)
		if err != nil {
			return run.Failed(runID, err)
		}
		if st.Status != state.StatusCompleted {
			return run.Failed(runID, agent.BadRequestf("run %s is %s, reply requires a completed run", runID, st.Status))
		}
		st.AppendMessage(in.Reply.message())
		st.Status = state.StatusRunning
		e := rt.newExecution(mm, man, st, pipe, "")
		return e.loop(ctx)

	case InputApproval:
		st, err := rt.states.Get(ctx, runID)
		if err != nil {
			return run.Failed(runID, err)
		}
		if st.Status != state.StatusSuspended {
			return run.Failed(runID, agent.BadRequestf("run %s is %s, approval requires a suspended run", runID, st.Status))
		}
		e := rt.newExecution(mm, man, st, pipe, "")
		return e.resumeApproval(ctx, in.Approval.Response)

	case InputContinue:
		st, err := rt.states.Get(ctx, runID)
		if err != nil {
			return run.Failed(runID, err)
		}
		prior := st.Status
		e := rt.newExecution(mm, man, st, pipe, "")
		return e.resumeContinue(ctx, prior)

	default:
		return run.Failed(runID, agent.BadRequestf("unknown input type %q", in.Type))
	}
}
