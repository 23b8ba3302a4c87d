package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/chat"
	"github.com/eventhub/realtime/internal/chatsession"
)

var (
	_ chatsession.History = (*Client)(nil)
	_ chatsession.Sender  = (*Client)(nil)
)

func TestListHistory(t *testing.T) {
	before := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/e1/chat", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, before.Format(time.RFC3339Nano), r.URL.Query().Get("before"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []chat.Message{{ID: "m1", EventID: "e1", Content: "hi"}},
		})
	}))
	defer srv.Close()

	msgs, err := New(srv.URL+"/", "tok").ListHistory(context.Background(), "e1", &before, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": chat.Message{ID: "m9", Content: body["content"]},
		})
	}))
	defer srv.Close()

	m, err := New(srv.URL, "tok").SendMessage(context.Background(), "e1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "hello", m.Content)
}

func TestErrorKinds(t *testing.T) {
	cases := map[int]apperr.Kind{
		http.StatusUnauthorized:        apperr.KindUnauthorized,
		http.StatusNotFound:            apperr.KindNotFound,
		http.StatusBadRequest:          apperr.KindValidation,
		http.StatusTooManyRequests:     apperr.KindRateLimited,
		http.StatusServiceUnavailable:  apperr.KindTransient,
		http.StatusInternalServerError: apperr.KindTransient,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope","kind":"x"}`))
		}))

		_, err := New(srv.URL, "tok").SendMessage(context.Background(), "e1", "x")
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, want, apperr.KindOf(err), "status %d", status)
	}
}

func TestUnauthorizedMessageKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"not a participant","kind":"unauthorized"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").ListHistory(context.Background(), "e1", nil, 0)
	assert.Equal(t, "not a participant", apperr.Message(err))
}

func TestServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "tok").ListHistory(context.Background(), "e1", nil, 0)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
}
