package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeIngest(t *testing.T, body []byte) IngestResponse {
	t.Helper()
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestIngest_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"single object", `{"topic":"client1/power","payload":{"value":1}}`, 1},
		{"wrapped single", `{"message":{"topic":"client1/power","payload":{"value":1}}}`, 1},
		{"wrapped batch", `{"messages":[{"topic":"client1/power","payload":{"value":1}},{"topic":"client1/temperature","payload":{"value":20}}]}`, 2},
		{"bare array", `[{"topic":"client1/power","payload":{"value":1}}]`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			rec := f.do(t, http.MethodPost, "/ingest", []byte(tt.body))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			resp := decodeIngest(t, rec.Body.Bytes())
			assert.True(t, resp.Success)
			assert.Equal(t, tt.want, resp.Accepted)
			assert.Len(t, f.queue, tt.want)

			env := <-f.queue
			assert.Equal(t, IngestTransport, env.Transport)
		})
	}
}

func TestIngest_InvalidJSON(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodPost, "/ingest", []byte(`{"nope": true}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest_PartialRejection(t *testing.T) {
	f := newFixture(t, 10)
	body := `[
		{"topic":"client1/power","payload":{"value":1}},
		{"topic":"client1/pressure","payload":{"value":1}},
		{"topic":"client1/temperature","payload":{"timestamp":"2025-01-01T00:00:00Z"}},
		{"topic":"","payload":{"value":1}}
	]`
	rec := f.do(t, http.MethodPost, "/ingest", []byte(body))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeIngest(t, rec.Body.Bytes())
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 3, resp.Rejected)
	require.Len(t, resp.Errors, 3)
	assert.Equal(t, 1, resp.Errors[0].Index)
	assert.Contains(t, resp.Errors[1].Error, "value")
}

func TestIngest_AllRejected(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodPost, "/ingest", []byte(`{"topic":"client1/power","payload":{"value":"high"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.queue)
}

func TestIngest_QueueFull(t *testing.T) {
	f := newFixture(t, 1)
	body := `[{"topic":"client1/power","payload":{"value":1}},{"topic":"client1/power","payload":{"value":2}}]`

	rec := f.do(t, http.MethodPost, "/ingest", []byte(body))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeIngest(t, rec.Body.Bytes())
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)

	rec = f.do(t, http.MethodPost, "/ingest", []byte(`{"topic":"client1/power","payload":{"value":3}}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngest_ContentType(t *testing.T) {
	f := newFixture(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"topic":"client1/power","payload":{"value":1}}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
