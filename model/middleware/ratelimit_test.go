package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pulse/rmap"

	"github.com/itsbrex/julep/model"
)

type fakeClient struct {
	completeErr   error
	completeCalls int
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	f.completeCalls++
	return nil, f.completeErr
}

func testRequest() *model.Request {
	return &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	}
}

func TestBackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initial := limiter.currentTPM

	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	assert.Equal(t, 1, client.completeCalls)
	assert.Less(t, limiter.currentTPM, initial)
}

func TestProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Greater(t, limiter.currentTPM, 60000.0)
}

func TestNonRateLimitErrorLeavesBudget(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	client := &fakeClient{completeErr: errors.New("boom")}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, 60000.0, limiter.currentTPM)
}

func TestBackoffFloor(t *testing.T) {
	limiter := newAdaptiveRateLimiter(1000, 1000)
	for i := 0; i < 20; i++ {
		limiter.backoff()
	}
	assert.Equal(t, limiter.minTPM, limiter.currentTPM)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 500, estimateTokens(&model.Request{}))

	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: string(make([]byte, 3000))}}}
	assert.Equal(t, 1500, estimateTokens(req))
}

type fakeClusterMap struct {
	values map[string]string
	events chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		events: make(chan rmap.EventKind),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	prev := m.values[key]
	if prev == test {
		m.values[key] = value
	}
	return prev, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.events
}

func TestClusterSeedsSharedBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.values["budget"] = "30000"

	limiter := newClusterAdaptiveRateLimiter(context.Background(), m, "budget", 60000, 120000)
	assert.Equal(t, 30000.0, limiter.currentTPM)
}

func TestClusterFallsBackWithoutKey(t *testing.T) {
	limiter := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60000, 120000)
	assert.Equal(t, 60000.0, limiter.currentTPM)
}
