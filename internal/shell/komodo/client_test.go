package komodo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return NewClient(Config{
		BaseURL:       url,
		APIKey:        "key",
		APISecret:     "secret",
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	})
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).Health(context.Background()))
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		assert.Empty(t, r.Header.Get("X-Api-Secret"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, client.Health(context.Background()))
}

func TestHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoreDown)
}

func TestRunSyncSendsEnvelopeAndCredentials(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(Update{ID: "64f", Operation: "RunSync", Status: "Queued"})
	}))
	defer srv.Close()

	update, err := testClient(srv.URL).RunSync(context.Background(), "homelab-stacks")
	require.NoError(t, err)

	assert.Equal(t, "/execute", gotPath)
	assert.Equal(t, "RunSync", gotBody["type"])
	params, ok := gotBody["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "homelab-stacks", params["sync"])
	assert.Equal(t, "Queued", update.Status)
}

func TestListSyncs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/read", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ListResourceSyncs", body["type"])

		w.Write([]byte(`[{"id":"1","name":"homelab-stacks","info":{"last_sync_ts":1724630400,"last_sync_hash":"abc123"}}]`))
	}))
	defer srv.Close()

	syncs, err := testClient(srv.URL).ListSyncs(context.Background())
	require.NoError(t, err)

	require.Len(t, syncs, 1)
	assert.Equal(t, "homelab-stacks", syncs[0].Name)
	assert.Equal(t, "abc123", syncs[0].Info.LastHash)
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListServers(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServerErrorIsRetriedUntilSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListSyncs(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestRunSyncUnknownName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no resource sync named nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).RunSync(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncNotFound)
}
