package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_GetByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tables/public/task_comments", r.URL.Path)
		assert.Equal(t, "eq.c1", r.URL.Query().Get("id"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode([]Record{{
			"id":     "c1",
			"body":   "Looks good",
			"author": map[string]any{"id": "u1", "display_name": "Sam"},
		}})
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, "token-1")

	record, err := s.GetByID(context.Background(), "task_comments", "c1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "c1", record["id"])
	assert.Equal(t, "Looks good", record["body"])
}

func TestHTTP_GetByID_MissingRow(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"empty result set", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]Record{})
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewHTTP(srv.URL, "")
			record, err := s.GetByID(context.Background(), "task_comments", "gone")
			require.NoError(t, err)
			assert.Nil(t, record)
		})
	}
}

func TestHTTP_GetByID_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, "")
	_, err := s.GetByID(context.Background(), "tasks", "t1")
	assert.Error(t, err)
}
