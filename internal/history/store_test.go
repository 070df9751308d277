package history

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/alarmd/internal/alarm"
)

func testStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, Table: "Alarms"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLatest_PresentRow(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("query")
		assert.Contains(t, q, "a/x")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataset":[["a/x","SET",false]]}`))
	})

	e, ok := s.Latest(context.Background(), "a/x")
	require.True(t, ok)
	assert.Equal(t, alarm.StateSet, e.State)
	assert.Equal(t, alarm.AckNotAck, e.Ack)
}

func TestLatest_AbsentRow(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataset":[]}`))
	})

	_, ok := s.Latest(context.Background(), "a/x")
	assert.False(t, ok)
}

func TestLatest_NonOKStatusIsFailure(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, ok := s.Latest(context.Background(), "a/x")
	assert.False(t, ok)
}

func TestLatest_MalformedBodyIsFailure(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not json`))
	})

	_, ok := s.Latest(context.Background(), "a/x")
	assert.False(t, ok)
}

func TestInsertEvent_EncodesQuery(t *testing.T) {
	var gotQuery string
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("query")
		decoded, err := url.QueryUnescape(raw)
		require.NoError(t, err)
		gotQuery = decoded
		w.WriteHeader(http.StatusOK)
	})

	s.InsertEvent(context.Background(), alarm.Event{
		Name: "a/x", State: alarm.StateSet, Ack: alarm.AckNotAck,
		Value: 1, Severity: alarm.SeverityHigh,
	})

	assert.Contains(t, gotQuery, "INSERT INTO 'Alarms'")
	assert.Contains(t, gotQuery, "a/x")
}

func TestInsertEvent_FailureIsSwallowed(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.NotPanics(t, func() {
		s.InsertEvent(context.Background(), alarm.Event{Name: "a/x"})
	})
}

func TestEnsureTable_FailureIsSwallowed(t *testing.T) {
	s := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.NotPanics(t, func() {
		s.EnsureTable(context.Background())
	})
}
