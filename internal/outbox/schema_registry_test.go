package outbox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaReturnsExistingID(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		require.Equal(t, "/subjects/session_started-value/versions/latest", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": 7, "version": 2}`))
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(t.Context(), "session_started-value", sessionStartedSchema)
	require.NoError(t, err)
	require.Equal(t, 7, id)
	require.Zero(t, posts.Load())
}

func TestEnsureSchemaRegistersMissingSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			require.Equal(t, registryContentType, r.Header.Get("Content-Type"))
			var body struct {
				SchemaType string `json:"schemaType"`
				Schema     string `json:"schema"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "JSON", body.SchemaType)
			registered = body.Schema
			_, _ = w.Write([]byte(`{"id": 11}`))
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(t.Context(), "session_ended-value", sessionEndedSchema)
	require.NoError(t, err)
	require.Equal(t, 11, id)
	require.JSONEq(t, sessionEndedSchema, registered)
}

func TestEnsureSchemaDoesNotRegisterOnServerError(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(t.Context(), "session_ended-value", sessionEndedSchema)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, http.StatusServiceUnavailable, regErr.Status)
	require.Zero(t, posts.Load())
}
