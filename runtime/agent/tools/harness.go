package tools

import (
	"context"
	"fmt"

	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/telemetry"
)

// Executor is the unified internal execution signature all shapes are
// normalized to before middleware wraps them.
type Executor func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result

// Middleware wraps an executor with cross-cutting behavior.
type Middleware func(Executor) Executor

// Chain composes middleware right to left so the first entry is outermost.
func Chain(mw ...Middleware) Middleware {
	return func(next Executor) Executor {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}

// Harness executes individual tool calls. It normalizes the three tool
// shapes to one executor, applies the global then per-tool middleware and
// guards every call against panics and pre-set cancellation.
type Harness struct {
	middleware []Middleware
	logger     telemetry.Logger
}

// HarnessOption configures a harness.
type HarnessOption func(*Harness)

// WithMiddleware appends global middleware applied outside every tool's own
// chain.
func WithMiddleware(mw ...Middleware) HarnessOption {
	return func(h *Harness) { h.middleware = append(h.middleware, mw...) }
}

// WithLogger sets the harness logger.
func WithLogger(l telemetry.Logger) HarnessOption {
	return func(h *Harness) { h.logger = l }
}

// NewHarness builds a harness.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute runs one tool call through the middleware chain. A cancellation
// signal observed before execution short-circuits without invoking the tool.
func (h *Harness) Execute(ctx context.Context, tool *Tool, call model.ToolCall, ec *ExecContext) Result {
	if ec == nil {
		ec = &ExecContext{}
	}
	if ec.Cancelled != nil {
		cancelled, err := ec.Cancelled(ctx)
		if err != nil {
			h.logger.Error(ctx, "cancellation probe failed", "tool", tool.Name(), "err", err)
		} else if cancelled {
			return Errorf(CodeCancelled, false, "Operation cancelled")
		}
	}

	exec := h.executor(tool)
	mw := make([]Middleware, 0, len(h.middleware)+len(tool.Middleware)+1)
	mw = append(mw, h.middleware...)
	if tool.RequiresApproval {
		mw = append(mw, Approval(tool))
	}
	mw = append(mw, tool.Middleware...)
	return Chain(mw...)(exec)(ctx, call, ec)
}

// executor normalizes the tool's shape to the unified signature. Panics in
// tool code are contained and surface as non-retryable execution errors.
func (h *Harness) executor(tool *Tool) Executor {
	return func(ctx context.Context, call model.ToolCall, ec *ExecContext) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error(ctx, "tool panicked", "tool", tool.Name(), "panic", r)
				res = Errorf(CodeExecution, false, fmt.Sprintf("tool %s panicked: %v", tool.Name(), r))
			}
		}()
		switch tool.Shape {
		case ShapePlain:
			if tool.Plain == nil {
				return Errorf(CodeExecution, false, fmt.Sprintf("tool %s has no plain executor", tool.Name()))
			}
			output, err := tool.Plain(ctx, call.Input, CallMeta{RunID: ec.RunID, StepNumber: ec.StepNumber, Messages: ec.Messages})
			if err != nil {
				return Errorf(CodeExecution, false, err.Error())
			}
			return Success(output)
		case ShapeContext:
			if tool.Context == nil {
				return Errorf(CodeExecution, false, fmt.Sprintf("tool %s has no context executor", tool.Name()))
			}
			return tool.Context(ctx, call, ec)
		case ShapeStreaming:
			if tool.Streaming == nil {
				return Errorf(CodeExecution, false, fmt.Sprintf("tool %s has no streaming executor", tool.Name()))
			}
			return tool.Streaming(ctx, call, ec)
		default:
			return Errorf(CodeExecution, false, fmt.Sprintf("tool %s has unknown shape %q", tool.Name(), tool.Shape))
		}
	}
}
