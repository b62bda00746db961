package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoFactory() HandlerFactory {
	return func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"method": method, "params": string(params)})
		}), nil
	}
}

func TestCallRoundTrip(t *testing.T) {
	e, err := New(echoFactory())
	require.NoError(t, err)
	defer e.Stop()

	var out map[string]string
	err = e.CallInto(context.Background(), MethodHealthCheck, map[string]int{"n": 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, MethodHealthCheck, out["method"])
	assert.JSONEq(t, `{"n":1}`, out["params"])
}

func TestCallsExecuteInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	factory := func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			seen = append(seen, method)
			mu.Unlock()
			return nil, nil
		}), nil
	}
	e, err := New(factory)
	require.NoError(t, err)
	defer e.Stop()

	methods := []string{MethodProjectCreate, MethodConversationSave, MethodMessageReplaceAll, MethodSearchMessages}
	for _, m := range methods {
		_, err := e.Call(context.Background(), m, nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, methods, seen)
}

func TestBackpressureRejectsWithoutLosingQueuedCalls(t *testing.T) {
	gate := make(chan struct{})
	factory := func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
			<-gate
			return nil, nil
		}), nil
	}
	e, err := New(factory, WithConfig(Config{QueueDepth: 1, CallTimeout: 5 * time.Second}))
	require.NoError(t, err)
	defer e.Stop()

	results := make(chan error, 2)
	// first call becomes in-flight, second occupies the single queue slot
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Call(context.Background(), MethodHealthCheck, nil)
			results <- err
		}()
	}

	// wait until the queue slot is taken
	require.Eventually(t, func() bool {
		return len(e.requests) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = e.Call(context.Background(), MethodHealthCheck, nil)
	require.ErrorIs(t, err, ErrBackpressure)

	close(gate)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results, "queued call %d must not be lost", i)
	}
}

func TestCallTimeoutRejectsCallerButNotQueue(t *testing.T) {
	var calls atomic.Int64
	factory := func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				time.Sleep(150 * time.Millisecond)
			}
			return nil, nil
		}), nil
	}
	e, err := New(factory, WithConfig(Config{CallTimeout: 50 * time.Millisecond}))
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), MethodConversationSave, nil)
	require.ErrorIs(t, err, ErrStorageTimeout)

	// the engine finished the abandoned call and keeps serving
	require.Eventually(t, func() bool {
		_, err := e.Call(context.Background(), MethodHealthCheck, nil)
		return err == nil
	}, time.Second, 20*time.Millisecond)
}

func TestCrashRecoveryRestartsHandler(t *testing.T) {
	var opens atomic.Int64
	factory := func() (Handler, error) {
		opens.Add(1)
		return HandlerFunc(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
			if method == "boom" {
				panic("simulated storage crash")
			}
			return nil, nil
		}), nil
	}
	e, err := New(factory, WithConfig(Config{RestartBackoff: time.Millisecond, CallTimeout: time.Second}))
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), "boom", nil)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	require.Eventually(t, func() bool {
		_, err := e.Call(context.Background(), MethodHealthCheck, nil)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, opens.Load(), int64(2))
}

func TestRestartBudgetExhaustionFailsClosed(t *testing.T) {
	factory := func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
			panic("always broken")
		}), nil
	}
	e, err := New(factory, WithConfig(Config{MaxRestarts: 1, RestartBackoff: time.Millisecond, CallTimeout: time.Second}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Call(context.Background(), MethodHealthCheck, nil)
		if err == nil {
			continue
		}
		require.ErrorIs(t, err, ErrStorageUnavailable)
	}

	require.Eventually(t, e.Failed, time.Second, 10*time.Millisecond)
	_, err = e.Call(context.Background(), MethodHealthCheck, nil)
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStopRejectsPendingCallsAndNewOnes(t *testing.T) {
	gate := make(chan struct{})
	factory := func() (Handler, error) {
		return HandlerFunc(func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
			<-gate
			return nil, nil
		}), nil
	}
	e, err := New(factory, WithConfig(Config{QueueDepth: 4, CallTimeout: 5 * time.Second}))
	require.NoError(t, err)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := e.Call(context.Background(), MethodConversationSave, nil)
			results <- err
		}()
	}
	require.Eventually(t, func() bool {
		return len(e.requests) >= 2
	}, time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		e.Stop()
		close(stopDone)
	}()
	close(gate)

	// no caller may await forever: every pending call resolves one way or
	// the other, queued stragglers with an engine-closed rejection
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if err != nil {
				assert.ErrorIs(t, err, ErrEngineClosed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call never resolved")
		}
	}
	<-stopDone

	_, err = e.Call(context.Background(), MethodHealthCheck, nil)
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestCallsRacingStopResolvePromptly(t *testing.T) {
	e, err := New(echoFactory(), WithConfig(Config{CallTimeout: 30 * time.Second}))
	require.NoError(t, err)

	const callers = 20
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := e.Call(context.Background(), MethodHealthCheck, nil)
			results <- err
		}()
	}
	go e.Stop()

	// a call that slips into the queue after the final drain must still get
	// an engine-closed rejection instead of sitting out the call timeout
	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			if err != nil {
				assert.ErrorIs(t, err, ErrEngineClosed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("call racing shutdown never resolved")
		}
	}
}

func TestParamMarshalFailureIsValidationError(t *testing.T) {
	e, err := New(echoFactory())
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), MethodHealthCheck, map[string]any{"bad": func() {}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestResponseEnvelopeCarriesErrorKind(t *testing.T) {
	resp := NewResponse("r-1", nil, errors.Wrap(ErrBackpressure, "queue full"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "backpressure", resp.Error.Kind)
	assert.Nil(t, resp.Result)

	ok := NewResponse("r-2", json.RawMessage(`{"ok":true}`), nil)
	assert.Nil(t, ok.Error)
	assert.JSONEq(t, `{"ok":true}`, string(ok.Result))
}
