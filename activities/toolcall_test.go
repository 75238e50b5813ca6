package activities

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/tasks"
)

type fakeIntegrations struct {
	def  *tasks.IntegrationDef
	args map[string]any
	out  json.RawMessage
	err  error
}

func (f *fakeIntegrations) Execute(_ context.Context, def *tasks.IntegrationDef, args map[string]any) (json.RawMessage, error) {
	f.def, f.args = def, args
	return f.out, f.err
}

func toolTask(tool tasks.Tool, step tasks.Step, input string) *execution.ActivityInput {
	in := mainStepInput([]tasks.Step{step}, input)
	in.Context.Execution.Task.Tools = []tasks.Tool{tool}
	return in
}

func TestToolCallStepResolvesTool(t *testing.T) {
	a := newTestActivities(t)
	tool := tasks.Tool{
		Name: "wiki",
		Type: tasks.ToolIntegration,
		Integration: &tasks.IntegrationDef{
			Provider: "wikipedia",
			Method:   "search",
		},
	}
	step := tasks.Step{Tool: "wiki", Arguments: map[string]string{"query": "$ .topic"}}
	in := toolTask(tool, step, `{"topic":"go"}`)

	out, err := a.ToolCallStep(context.Background(), in)
	require.NoError(t, err)

	var req ToolCallRequest
	require.NoError(t, json.Unmarshal(out.Output, &req))
	require.Equal(t, tasks.ToolIntegration, req.Type)
	require.Equal(t, "wiki", req.Name)
	require.Equal(t, map[string]any{"query": "go"}, req.Arguments)
	require.NotNil(t, req.Integration)
	require.Equal(t, "wikipedia", req.Integration.Provider)
}

func TestToolCallStepUnknownTool(t *testing.T) {
	a := newTestActivities(t)
	in := mainStepInput([]tasks.Step{{Tool: "missing"}}, `null`)

	_, err := a.ToolCallStep(context.Background(), in)
	require.ErrorIs(t, err, execution.ErrNotFound)
}

func TestExecuteIntegration(t *testing.T) {
	fake := &fakeIntegrations{out: json.RawMessage(`{"hits":3}`)}
	a := newTestActivities(t, func(o *Options) { o.Integrations = fake })

	payload, err := json.Marshal(ToolCallRequest{
		Type:      tasks.ToolIntegration,
		Name:      "wiki",
		Arguments: map[string]any{"query": "go"},
		Integration: &tasks.IntegrationDef{
			Provider:  "wikipedia",
			Method:    "search",
			Arguments: map[string]any{"lang": "en", "query": "default"},
		},
	})
	require.NoError(t, err)
	in := &execution.ActivityInput{Payload: payload}

	out, err := a.ExecuteIntegration(context.Background(), in)
	require.NoError(t, err)
	require.JSONEq(t, `{"hits":3}`, string(out.Output))
	require.Equal(t, "wikipedia", fake.def.Provider)
	// Step arguments override declared defaults.
	require.Equal(t, map[string]any{"lang": "en", "query": "go"}, fake.args)
}

func TestExecuteIntegrationNoExecutor(t *testing.T) {
	a := newTestActivities(t)
	payload, err := json.Marshal(ToolCallRequest{
		Type:        tasks.ToolIntegration,
		Name:        "wiki",
		Integration: &tasks.IntegrationDef{Provider: "wikipedia"},
	})
	require.NoError(t, err)

	_, err = a.ExecuteIntegration(context.Background(), &execution.ActivityInput{Payload: payload})
	require.ErrorIs(t, err, execution.ErrNotImplemented)
}

func TestExecuteSystemNoExecutor(t *testing.T) {
	a := newTestActivities(t)
	payload, err := json.Marshal(ToolCallRequest{
		Type:   tasks.ToolSystem,
		Name:   "docs",
		System: &tasks.SystemDef{Resource: "doc", Operation: "list"},
	})
	require.NoError(t, err)

	_, err = a.ExecuteSystem(context.Background(), &execution.ActivityInput{Payload: payload})
	require.ErrorIs(t, err, execution.ErrNotImplemented)
}

func TestExecuteAPICall(t *testing.T) {
	var (
		gotMethod string
		gotQuery  string
		gotHeader string
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query().Get("page")
		gotHeader = r.Header.Get("X-Extra")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := newTestActivities(t)
	payload, err := json.Marshal(ToolCallRequest{
		Type: tasks.ToolAPICall,
		Name: "create",
		Arguments: map[string]any{
			"json_":   map[string]any{"title": "hello"},
			"params":  map[string]any{"page": "2"},
			"headers": map[string]any{"X-Extra": "yes"},
		},
		APICall: &tasks.APICallDef{Method: http.MethodPost, URL: srv.URL},
	})
	require.NoError(t, err)

	out, err := a.ExecuteAPICall(context.Background(), &execution.ActivityInput{Payload: payload})
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "2", gotQuery)
	require.Equal(t, "yes", gotHeader)
	require.JSONEq(t, `{"title":"hello"}`, string(gotBody))

	var result APICallResult
	require.NoError(t, json.Unmarshal(out.Output, &result))
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(result.JSON))
}

func TestExecuteAPICallNoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	a := newTestActivities(t)
	follow := false
	payload, err := json.Marshal(ToolCallRequest{
		Type:    tasks.ToolAPICall,
		Name:    "fetch",
		APICall: &tasks.APICallDef{Method: http.MethodGet, URL: srv.URL, FollowRedirects: &follow},
	})
	require.NoError(t, err)

	out, err := a.ExecuteAPICall(context.Background(), &execution.ActivityInput{Payload: payload})
	require.NoError(t, err)

	var result APICallResult
	require.NoError(t, json.Unmarshal(out.Output, &result))
	require.Equal(t, http.StatusFound, result.StatusCode)
}
