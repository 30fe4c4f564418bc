package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/toolloop/unifiedllm"
)

// concurrencyProbe records the peak number of concurrently active executions.
type concurrencyProbe struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (p *concurrencyProbe) tool(name string, sleep time.Duration) *FunctionTool {
	return NewFunctionTool(name, "sleeps", nil, func(ctx context.Context, _ json.RawMessage) (any, error) {
		n := p.active.Add(1)
		defer p.active.Add(-1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return name, nil
	})
}

// flakyTool fails with an unexpected error until it has been called
// failures+1 times.
func flakyTool(name string, failures int, calls *atomic.Int32) *FunctionTool {
	return NewFunctionTool(name, "flaky", nil, func(context.Context, json.RawMessage) (any, error) {
		n := calls.Add(1)
		if int(n) <= failures {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return map[string]any{"ok": true}, nil
	})
}

func call(id, name string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestSequentialNeverOverlaps(t *testing.T) {
	probe := &concurrencyProbe{}
	reg := NewRegistry(probe.tool("a", 10*time.Millisecond), probe.tool("b", 10*time.Millisecond), probe.tool("c", 10*time.Millisecond))
	c := NewCoordinator(reg)

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "a"), call("2", "b"), call("3", "c")}, Config{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int32(1), probe.peak.Load())
}

func TestParallelOverlaps(t *testing.T) {
	probe := &concurrencyProbe{}
	reg := NewRegistry(probe.tool("a", 20*time.Millisecond), probe.tool("b", 20*time.Millisecond))
	c := NewCoordinator(reg)

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "a"), call("2", "b")}, Config{RunToolsInParallel: true})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.GreaterOrEqual(t, probe.peak.Load(), int32(2))
}

func TestParallelPreservesCallOrder(t *testing.T) {
	reg := NewRegistry()
	for i, d := range []time.Duration{30, 1, 15, 5} {
		name := fmt.Sprintf("t%d", i)
		sleep := d * time.Millisecond
		reg.Register(NewFunctionTool(name, "", nil, func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(sleep)
			return name, nil
		}))
	}
	calls := []unifiedllm.ToolCall{call("c0", "t0"), call("c1", "t1"), call("c2", "t2"), call("c3", "t3")}

	records, err := NewCoordinator(reg).ExecuteAll(context.Background(), calls, Config{RunToolsInParallel: true})
	require.NoError(t, err)
	require.Len(t, records, len(calls))
	for i, rec := range records {
		assert.Equal(t, calls[i].ID, rec.Call.ID)
		assert.JSONEq(t, fmt.Sprintf("%q", calls[i].Name), string(rec.Outcome.Result))
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	c := NewCoordinator(NewRegistry(flakyTool("flaky", 2, &calls)))

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "flaky")}, Config{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.True(t, records[0].Outcome.OK())
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `{"ok":true}`, string(records[0].Outcome.Result))
}

func TestRetryExhaustionIsFatalForExecuteAll(t *testing.T) {
	var calls atomic.Int32
	c := NewCoordinator(NewRegistry(flakyTool("broken", 100, &calls), NewFunctionTool("after", "", nil, func(context.Context, json.RawMessage) (any, error) {
		t.Error("call after the exhausted one must not run")
		return nil, nil
	})))

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "broken"), call("2", "after")}, Config{MaxRetries: 1})

	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "broken", execErr.Tool)
	assert.Equal(t, 2, execErr.Attempts)
	assert.Contains(t, execErr.Error(), "2 attempt")
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, records, 1)
	assert.Equal(t, FailureExhausted, records[0].Outcome.Kind)
}

func TestUnknownToolIsNotRetried(t *testing.T) {
	c := NewCoordinator(NewRegistry())

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "missing")}, Config{MaxRetries: 3})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FailureUnknownTool, records[0].Outcome.Kind)
	assert.Equal(t, 0, records[0].Attempts)

	result := records[0].ToolResult()
	assert.True(t, result.IsError)
	assert.Contains(t, result.ContentText(), "missing")
}

func TestDeclaredFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	tool := NewFunctionTool("strict", "", nil, func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, Fail("file %s not found", "a.txt")
	})
	c := NewCoordinator(NewRegistry(tool))

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "strict")}, Config{MaxRetries: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, FailureDeclared, records[0].Outcome.Kind)
	assert.Equal(t, "file a.txt not found", records[0].Outcome.Message)
	assert.Equal(t, 1, records[0].Attempts)
}

func TestPanicIsRecoveredAndRetried(t *testing.T) {
	var calls atomic.Int32
	tool := NewFunctionTool("panicky", "", nil, func(context.Context, json.RawMessage) (any, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return "recovered", nil
	})
	c := NewCoordinator(NewRegistry(tool))

	records, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "panicky")}, Config{MaxRetries: 1})
	require.NoError(t, err)
	assert.True(t, records[0].Outcome.OK())
	assert.Equal(t, 2, records[0].Attempts)
}

func TestExecuteBatchContinueOnError(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry(
		flakyTool("broken", 100, &calls),
		NewFunctionTool("declares", "", nil, func(context.Context, json.RawMessage) (any, error) {
			return nil, Fail("no")
		}),
		NewFunctionTool("ok", "", nil, func(context.Context, json.RawMessage) (any, error) {
			return "fine", nil
		}),
	)
	c := NewCoordinator(reg)
	batch := []unifiedllm.ToolCall{call("1", "broken"), call("2", "missing"), call("3", "declares"), call("4", "ok")}

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			records, err := c.ExecuteBatch(context.Background(), batch, BatchConfig{
				Config:          Config{RunToolsInParallel: parallel, MaxRetries: 1},
				ContinueOnError: true,
			})
			require.NoError(t, err)
			require.Len(t, records, 4)
			assert.Equal(t, FailureExhausted, records[0].Outcome.Kind)
			assert.Equal(t, 2, records[0].Attempts)
			assert.Equal(t, FailureUnknownTool, records[1].Outcome.Kind)
			assert.Equal(t, FailureDeclared, records[2].Outcome.Kind)
			assert.True(t, records[3].Outcome.OK())
		})
	}
}

func TestExecuteBatchStopsAtFirstFailure(t *testing.T) {
	var ran sync.Map
	okTool := func(name string) *FunctionTool {
		return NewFunctionTool(name, "", nil, func(context.Context, json.RawMessage) (any, error) {
			ran.Store(name, true)
			return name, nil
		})
	}
	c := NewCoordinator(NewRegistry(okTool("first"), okTool("third")))

	records, err := c.ExecuteBatch(context.Background(),
		[]unifiedllm.ToolCall{call("1", "first"), call("2", "missing"), call("3", "third")},
		BatchConfig{ContinueOnError: false},
	)

	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Tool)
	require.Len(t, records, 2)
	assert.True(t, records[0].Outcome.OK())
	assert.Equal(t, FailureUnknownTool, records[1].Outcome.Kind)
	_, thirdRan := ran.Load("third")
	assert.False(t, thirdRan)
}

func TestExecuteBatchStopReturnsDeclaredError(t *testing.T) {
	tool := NewFunctionTool("declares", "", nil, func(context.Context, json.RawMessage) (any, error) {
		return nil, Fail("bad input")
	})
	c := NewCoordinator(NewRegistry(tool))

	_, err := c.ExecuteBatch(context.Background(), []unifiedllm.ToolCall{call("1", "declares")}, BatchConfig{})
	var declared *ToolError
	require.ErrorAs(t, err, &declared)
	assert.Equal(t, "bad input", declared.Message)
}

func TestCancellationStopsExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := NewFunctionTool("cancels", "", nil, func(context.Context, json.RawMessage) (any, error) {
		cancel()
		return nil, errors.New("interrupted")
	})
	c := NewCoordinator(NewRegistry(tool))

	_, err := c.ExecuteAll(ctx, []unifiedllm.ToolCall{call("1", "cancels"), call("2", "cancels")}, Config{MaxRetries: 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHooksObserveEveryCall(t *testing.T) {
	var mu sync.Mutex
	var started, ended []string
	c := NewCoordinator(NewRegistry(), WithHooks(Hooks{
		OnStart: func(call unifiedllm.ToolCall) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, call.ID)
		},
		OnEnd: func(rec Record) {
			mu.Lock()
			defer mu.Unlock()
			ended = append(ended, rec.Call.ID)
		},
	}))

	_, err := c.ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "x"), call("2", "y")}, Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, started)
	assert.Equal(t, []string{"1", "2"}, ended)
}

func TestNegativeRetryBudget(t *testing.T) {
	_, err := NewCoordinator(nil).ExecuteAll(context.Background(), []unifiedllm.ToolCall{call("1", "x")}, Config{MaxRetries: -1})
	assert.Error(t, err)
}
