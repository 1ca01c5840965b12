package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/infra/logger"
)

type memoryInstructions struct {
	*instruction.MemoryStore
	queue *instruction.Queue
}

func (m memoryInstructions) Enqueue(ctx context.Context, in instruction.Input) (instruction.Instruction, error) {
	return m.queue.Enqueue(ctx, in)
}

func (m memoryInstructions) Instruction(ctx context.Context, id int64) (instruction.Instruction, error) {
	return m.Get(ctx, id)
}

func (m memoryInstructions) Instructions(ctx context.Context, nodeID int64, limit int) ([]instruction.Instruction, error) {
	return m.ListByNode(ctx, nodeID, limit)
}

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	store := instruction.NewMemoryStore()
	q, err := instruction.NewQueue(store, logger.NopLogger{})
	require.NoError(t, err)
	srv := httptest.NewServer(New(Config{Token: token}, memoryInstructions{MemoryStore: store, queue: q}, logger.NopLogger{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, token, payload string) (resp *http.Response, body []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(payload))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestAPI_EnqueueGetList(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp, body := do(t, srv, http.MethodPost, "/api/instructions", "secret",
		`{"nodeId":7,"topic":"SetControlParameter","parameters":[{"name":"foo","value":"bar"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created instruction.Instruction
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, instruction.StateQueued, created.State)

	resp, body = do(t, srv, http.MethodGet, "/api/instructions/"+itoa(created.ID), "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got instruction.Instruction
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "SetControlParameter", got.Topic)

	resp, body = do(t, srv, http.MethodGet, "/api/nodes/7/instructions?limit=5", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []instruction.Instruction
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = do(t, srv, http.MethodGet, "/api/nodes/8/instructions", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestAPI_Errors(t *testing.T) {
	srv := newTestServer(t, "secret")
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	cases := []struct {
		name, method, path, token, body string
		want                            int
	}{
		{"no token", http.MethodGet, "/api/instructions/1", "", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/instructions/1", "nope", "", http.StatusUnauthorized},
		{"not found", http.MethodGet, "/api/instructions/99", "secret", "", http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/instructions/abc", "secret", "", http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/instructions", "secret", "{", http.StatusBadRequest},
		{"missing topic", http.MethodPost, "/api/instructions", "secret", `{"nodeId":1}`, http.StatusBadRequest},
		{"expired", http.MethodPost, "/api/instructions", "secret", `{"nodeId":1,"topic":"X","expirationDate":"` + past + `"}`, http.StatusUnprocessableEntity},
		{"bad limit", http.MethodGet, "/api/nodes/1/instructions?limit=0", "secret", "", http.StatusBadRequest},
		{"healthz open", http.MethodGet, "/healthz", "", "", http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, _ := do(t, srv, c.method, c.path, c.token, c.body)
			assert.Equal(t, c.want, resp.StatusCode)
		})
	}
}

func TestAPI_NoTokenConfigured(t *testing.T) {
	srv := newTestServer(t, "")
	resp, _ := do(t, srv, http.MethodGet, "/api/nodes/1/instructions", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type staticSessions []string

func (s staticSessions) Connected() []string { return append([]string(nil), s...) }

type latestByKey map[string]datum.Datum

func (l latestByKey) Latest(_ context.Context, kind datum.Kind, objectID int64, sourceID string) (datum.Datum, error) {
	d, ok := l[string(kind)+"/"+itoa(objectID)+sourceID]
	if !ok {
		return datum.Datum{}, datum.ErrNotFound
	}
	return d, nil
}

func TestAPI_HealthAndLatestDatum(t *testing.T) {
	store := instruction.NewMemoryStore()
	q, err := instruction.NewQueue(store, logger.NopLogger{})
	require.NoError(t, err)
	handler := New(Config{Token: "secret"}, memoryInstructions{MemoryStore: store, queue: q}, logger.NopLogger{})
	handler.SetSessions(staticSessions{"CP-2", "CP-1"})
	handler.SetLatestDatum(latestByKey{
		"node/4/meter": {Kind: datum.KindNode, ObjectID: 4, SourceID: "/meter", Samples: datum.Samples{Instantaneous: map[string]any{"watts": 12.0}}},
	})
	srv := httptest.NewServer(handler.Handler())
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","chargePoints":["CP-1","CP-2"]}`, string(body))

	resp, body = do(t, srv, http.MethodGet, "/api/datum/node/4/latest?sourceId=/meter", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var d datum.Datum
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, "/meter", d.SourceID)
	assert.EqualValues(t, 12, d.Samples.Instantaneous["watts"])

	cases := []struct {
		path string
		want int
	}{
		{"/api/datum/node/4/latest?sourceId=/other", http.StatusNotFound},
		{"/api/datum/node/4/latest", http.StatusBadRequest},
		{"/api/datum/site/4/latest?sourceId=/meter", http.StatusBadRequest},
		{"/api/datum/node/x/latest?sourceId=/meter", http.StatusBadRequest},
	}
	for _, c := range cases {
		resp, _ := do(t, srv, http.MethodGet, c.path, "secret", "")
		assert.Equal(t, c.want, resp.StatusCode, c.path)
	}
	resp, _ = do(t, srv, http.MethodGet, "/api/datum/node/4/latest?sourceId=/meter", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_LatestDatumDisabled(t *testing.T) {
	srv := newTestServer(t, "")
	resp, _ := do(t, srv, http.MethodGet, "/api/datum/node/4/latest?sourceId=/meter", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body := do(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
