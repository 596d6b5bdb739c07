package tools

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/telemetry"
)

// Approval gates a sensitive tool behind a human decision. Without a grant
// for the call the chain short-circuits into a suspension carrying a fresh
// approval id. A denial becomes an error result so the model can react.
func Approval(tool *Tool) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
			if decision, ok := ec.Grants[call.ID]; ok {
				if !decision.Approved {
					msg := "approval denied"
					if decision.Reason != "" {
						msg += ": " + decision.Reason
					}
					return Errorf(CodeDenied, false, msg)
				}
				return next(ctx, call, ec)
			}
			return Suspended(state.ToolApprovalSuspension{
				ApprovalID:  agent.NewApprovalID(),
				ToolCallID:  call.ID,
				ToolName:    call.Name,
				ToolArgs:    call.Input,
				Description: tool.ApprovalDescription,
			})
		}
	}
}

// Retry re-executes the tool on retryable error results, up to maxAttempts
// total attempts with a fixed backoff. A cancellation signal observed
// between attempts stops retrying.
func Retry(maxAttempts int, backoff time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(next Executor) Executor {
		return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
			var res Result
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				res = next(ctx, call, ec)
				if res.Kind != ResultError || !res.Retryable || attempt == maxAttempts {
					return res
				}
				if ec.Cancelled != nil {
					if cancelled, err := ec.Cancelled(ctx); err == nil && cancelled {
						return res
					}
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return Errorf(CodeCancelled, false, "Operation cancelled")
				}
			}
			return res
		}
	}
}

// Timeout bounds one tool call. The tool runs in its own goroutine; on
// expiry the call's context is cancelled and a timeout error result is
// returned without waiting for the tool to notice.
func Timeout(d time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			done := make(chan Result, 1)
			go func() { done <- next(tctx, call, ec) }()
			select {
			case res := <-done:
				return res
			case <-tctx.Done():
				if ctx.Err() != nil {
					return Errorf(CodeCancelled, false, "Operation cancelled")
				}
				return Errorf(CodeTimeout, true, fmt.Sprintf("tool %s timed out after %s", call.Name, d))
			}
		}
	}
}

// RateLimit throttles tool calls through the given limiter.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
			if err := limiter.Wait(ctx); err != nil {
				return Errorf(CodeCancelled, false, "Operation cancelled")
			}
			return next(ctx, call, ec)
		}
	}
}

// Logging records every call's outcome and duration.
func Logging(logger telemetry.Logger) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
			start := time.Now()
			logger.Debug(ctx, "tool call", "tool", call.Name, "callId", call.ID, "run", ec.RunID)
			res := next(ctx, call, ec)
			dur := time.Since(start)
			switch res.Kind {
			case ResultError:
				logger.Warn(ctx, "tool failed", "tool", call.Name, "callId", call.ID, "code", res.ErrorCode, "dur", dur)
			case ResultSuspended:
				logger.Info(ctx, "tool suspended", "tool", call.Name, "callId", call.ID, "dur", dur)
			default:
				logger.Debug(ctx, "tool done", "tool", call.Name, "callId", call.ID, "dur", dur)
			}
			return res
		}
	}
}
