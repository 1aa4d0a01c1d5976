// ABOUTME: Tests for the Record Store HTTP handlers
// ABOUTME: Create, read, update, delete and count over one collection

package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecords_CRUD(t *testing.T) {
	ts := newTestServer(t)
	token := ts.alice.Token

	resp, body := ts.do(t, http.MethodPost, "/api/records/posts", token, map[string]string{"title": "first"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created RecordResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "posts", created.Collection)
	assert.JSONEq(t, `{"title":"first"}`, string(created.Data))

	resp, body = ts.do(t, http.MethodGet, "/api/records/posts/"+created.ID, token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got RecordResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)

	resp, body = ts.do(t, http.MethodPut, "/api/records/posts/"+created.ID, token, map[string]string{"title": "edited"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated RecordResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.JSONEq(t, `{"title":"edited"}`, string(updated.Data))
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	resp, body = ts.do(t, http.MethodGet, "/api/records/posts/count", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count CountResponse
	require.NoError(t, json.Unmarshal(body, &count))
	assert.Equal(t, 1, count.Count)

	resp, _ = ts.do(t, http.MethodDelete, "/api/records/posts/"+created.ID, token, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/records/posts/"+created.ID, token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/records/posts/"+created.ID, token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecords_RejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/records/posts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.alice.Token)
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
