package activities

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/execution"
	execmem "github.com/itsbrex/julep/execstore/inmem"
	"github.com/itsbrex/julep/stream"
	"github.com/itsbrex/julep/tasks"
	"github.com/itsbrex/julep/translog"
)

type captureSink struct {
	events []stream.Event
}

func (c *captureSink) Publish(_ context.Context, e stream.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

type captureMetrics struct {
	counters map[string]float64
	tags     map[string][]string
	timers   map[string]time.Duration
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{
		counters: make(map[string]float64),
		tags:     make(map[string][]string),
		timers:   make(map[string]time.Duration),
	}
}

func (m *captureMetrics) IncCounter(name string, value float64, tags ...string) {
	m.counters[name] += value
	m.tags[name] = tags
}

func (m *captureMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	m.timers[name] = d
}

func (m *captureMetrics) RecordGauge(string, float64, ...string) {}

func transitionContext(steps []tasks.Step, step int, input string) *execution.StepContext {
	task := &tasks.Task{
		Name:      "test-task",
		Workflows: []tasks.Workflow{{Name: tasks.MainWorkflow, Steps: steps}},
	}
	return &execution.StepContext{
		Execution: &execution.Input{Task: task, ExecutionID: uuid.New()},
		Cursor:    execution.Target{Workflow: tasks.MainWorkflow, Step: step},
		Input:     json.RawMessage(input),
	}
}

func createRecord(t *testing.T, store *execmem.Store, sc *execution.StepContext) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &execution.Execution{
		ID:        sc.Execution.ExecutionID,
		TaskID:    sc.Execution.Task.ID,
		Status:    execution.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestCreateTransitionInit(t *testing.T) {
	records := execmem.New()
	sink := &captureSink{}
	a := newTestActivities(t, func(o *Options) {
		o.Executions = records
		o.Stream = sink
	})
	sc := transitionContext([]tasks.Step{{Log: "a"}, {Log: "b"}}, 0, `{"n":1}`)
	createRecord(t, records, sc)

	got, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit, Output: sc.Input},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)
	require.Equal(t, execution.TransitionInit, got.Type)
	require.Equal(t, int64(0), got.Seq)
	require.NotNil(t, got.Next)
	require.True(t, got.Next.Equal(sc.Cursor))

	rec, err := records.Get(context.Background(), sc.Execution.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusStarting, rec.Status)

	require.Len(t, sink.events, 1)
	require.Equal(t, "init", sink.events[0].Type)
}

func TestCreateTransitionDefaultsToStep(t *testing.T) {
	records := execmem.New()
	a := newTestActivities(t, func(o *Options) { o.Executions = records })
	sc := transitionContext([]tasks.Step{{Log: "a"}, {Log: "b"}}, 0, `{"n":1}`)
	createRecord(t, records, sc)

	_, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)

	got, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context:  sc,
		Partial:  execution.PartialTransition{Output: json.RawMessage(`"done"`)},
		LastType: execution.TransitionInit,
		LastSeq:  0,
	})
	require.NoError(t, err)
	require.Equal(t, execution.TransitionStep, got.Type)
	require.Equal(t, int64(1), got.Seq)
	require.NotNil(t, got.Next)
	require.Equal(t, 1, got.Next.Step)

	rec, err := records.Get(context.Background(), sc.Execution.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusRunning, rec.Status)
}

func TestCreateTransitionUpgradesToFinish(t *testing.T) {
	records := execmem.New()
	a := newTestActivities(t, func(o *Options) { o.Executions = records })
	sc := transitionContext([]tasks.Step{{Log: "only"}}, 0, `{"n":1}`)
	createRecord(t, records, sc)

	_, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)

	got, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context:  sc,
		Partial:  execution.PartialTransition{Output: json.RawMessage(`{"answer":42}`)},
		LastType: execution.TransitionInit,
		LastSeq:  0,
	})
	require.NoError(t, err)
	require.Equal(t, execution.TransitionFinish, got.Type)
	require.Nil(t, got.Next)

	rec, err := records.Get(context.Background(), sc.Execution.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSucceeded, rec.Status)
	require.JSONEq(t, `{"answer":42}`, string(rec.Output))
}

func TestCreateTransitionErrorProjectsFailure(t *testing.T) {
	records := execmem.New()
	a := newTestActivities(t, func(o *Options) { o.Executions = records })
	sc := transitionContext([]tasks.Step{{Error: "boom"}}, 0, `null`)
	createRecord(t, records, sc)

	_, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)

	_, err = a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{
			Type:   execution.TransitionError,
			Output: json.RawMessage(`"boom"`),
		},
		LastType: execution.TransitionInit,
		LastSeq:  0,
	})
	require.NoError(t, err)

	rec, err := records.Get(context.Background(), sc.Execution.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, rec.Status)
	require.Equal(t, "boom", rec.Error)
}

func TestCreateTransitionBranchSkipsProjection(t *testing.T) {
	records := execmem.New()
	a := newTestActivities(t, func(o *Options) { o.Executions = records })
	then := tasks.Step{Evaluate: "$ ."}
	sc := transitionContext([]tasks.Step{{If: "$ true", Then: &then}}, 0, `null`)
	sc.Cursor = sc.Cursor.Child(execution.ScopeThen, 0)

	got, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInitBranch},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)
	require.Equal(t, execution.TransitionInitBranch, got.Type)
	// No record exists for the branch scope; projection must not be attempted.
}

func TestCreateTransitionConflict(t *testing.T) {
	a := newTestActivities(t)
	sc := transitionContext([]tasks.Step{{Log: "a"}, {Log: "b"}}, 0, `null`)

	req := &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	}
	_, err := a.CreateTransition(context.Background(), req)
	require.NoError(t, err)

	_, err = a.CreateTransition(context.Background(), req)
	require.ErrorIs(t, err, execution.ErrConflict)
}

func TestCreateTransitionIllegalSuccessor(t *testing.T) {
	a := newTestActivities(t)
	sc := transitionContext([]tasks.Step{{Log: "a"}}, 0, `null`)

	_, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context:  sc,
		Partial:  execution.PartialTransition{Type: execution.TransitionResume},
		LastType: execution.TransitionInit,
		LastSeq:  0,
	})
	require.ErrorIs(t, err, execution.ErrIllegalTransition)
}

func TestCreateTransitionRecordsMetrics(t *testing.T) {
	metrics := newCaptureMetrics()
	a := newTestActivities(t, func(o *Options) { o.Metrics = metrics })
	sc := transitionContext([]tasks.Step{{Log: "a"}, {Log: "b"}}, 0, `null`)

	req := &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	}
	_, err := a.CreateTransition(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, float64(1), metrics.counters["transition.commit.success"])
	require.Equal(t, []string{"type", "init"}, metrics.tags["transition.commit.success"])
	require.Contains(t, metrics.timers, "transition.commit.duration")

	// A replayed commit loses the CAS and counts as a conflict error.
	_, err = a.CreateTransition(context.Background(), req)
	require.ErrorIs(t, err, execution.ErrConflict)
	require.Equal(t, float64(1), metrics.counters["transition.commit.error"])
	require.Equal(t, []string{"kind", "conflict"}, metrics.tags["transition.commit.error"])
}

func TestCreateTransitionStampsLastError(t *testing.T) {
	a := newTestActivities(t)
	sc := transitionContext([]tasks.Step{{Log: "a"}, {Log: "b"}}, 0, `null`)
	sc.LastError = "previous failure"

	got, err := a.CreateTransition(context.Background(), &execution.TransitionRequest{
		Context: sc,
		Partial: execution.PartialTransition{Type: execution.TransitionInit},
		LastSeq: translog.NoSeq,
	})
	require.NoError(t, err)
	require.Equal(t, "previous failure", got.Metadata["last_error"])
}
