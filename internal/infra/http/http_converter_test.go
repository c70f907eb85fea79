package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/stretchr/testify/require"
)

func assignment(url string) *domain.Assignment {
	return &domain.Assignment{
		Task:    &domain.Task{ID: 3, Entry: "a.tex", Attempt: 2},
		Corpus:  &domain.Corpus{Name: "demo", Path: "/data/demo"},
		Service: &domain.Service{Name: "remote", Params: map[string]string{"url": url}},
	}
}

func TestConvertJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req convertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "a.tex", req.Entry)
		require.EqualValues(t, 2, req.Attempt)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"warning","messages":[{"severity":"warning","category":"expected","what":"id"}]}`))
	}))
	defer srv.Close()

	conv, err := NewHttpConverter(time.Second, time.Second).Convert(context.Background(), assignment(srv.URL))
	require.NoError(t, err)
	require.Equal(t, domain.StatusWarning, conv.Status)
	require.Len(t, conv.Messages, 1)
	require.Equal(t, domain.SeverityWarning, conv.Messages[0].Severity)
}

func TestConvertPlainLogAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("Error:undefined:\\foo oops\n"))
	}))
	defer srv.Close()

	conv, err := NewHttpConverter(time.Second, 5*time.Second).Convert(context.Background(), assignment(srv.URL))
	require.NoError(t, err)
	require.Contains(t, conv.Log, "Error:undefined")
	require.EqualValues(t, 2, calls.Load())
}

func TestConvertClientErrorIsRecorded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	conv, err := NewHttpConverter(time.Second, time.Second).Convert(context.Background(), assignment(srv.URL))
	require.NoError(t, err)
	require.Contains(t, conv.Log, "Fatal:http:request")
	require.EqualValues(t, 1, calls.Load())
}

func TestConvertRequiresURL(t *testing.T) {
	_, err := NewHttpConverter(time.Second, time.Second).Convert(context.Background(), assignment(""))
	require.Error(t, err)
}
