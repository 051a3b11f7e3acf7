package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskFor(url string) models.Task {
	return models.Task{
		RunID:      "run_1",
		ScheduleID: "sch_1",
		Attempt:    1,
		Target:     models.Target{URL: url, Method: "post"},
	}
}

func TestExecuteSuccess(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	task := taskFor(srv.URL + "/hook?a=1")
	task.Target.Headers = map[string]string{"X-Token": "abc"}
	task.Target.Query = map[string]string{"b": "2"}
	task.Target.Body = `{"order":42}`

	out := NewExecutor(time.Second, 100, nil).Execute(context.Background(), task)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, `HTTP 202: {"ok":true}`, out.ResponseSummary)
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "abc", got.Header.Get("X-Token"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "1", got.URL.Query().Get("a"))
	assert.Equal(t, "2", got.URL.Query().Get("b"))
	assert.Equal(t, `{"order":42}`, gotBody)
}

func TestExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	out := NewExecutor(time.Second, 100, nil).Execute(context.Background(), taskFor(srv.URL))
	assert.Equal(t, models.RunFailed, out.Status)
	assert.Equal(t, "HTTP 500", out.ErrorMessage)
	assert.Equal(t, "HTTP 500: boom", out.ResponseSummary)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	out := NewExecutor(50*time.Millisecond, 100, nil).Execute(context.Background(), taskFor(srv.URL))
	assert.Equal(t, models.RunTimedOut, out.Status)
	assert.NotEmpty(t, out.ErrorMessage)
}

func TestExecuteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := NewExecutor(time.Second, 100, nil).Execute(context.Background(), taskFor(url))
	assert.Equal(t, models.RunFailed, out.Status)
}

func TestExecuteOpensSealedBody(t *testing.T) {
	sealer, err := utils.NewSealer("0123456789abcdef")
	require.NoError(t, err)
	sealed, err := sealer.Seal(`{"secret":1}`)
	require.NoError(t, err)

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	task := taskFor(srv.URL)
	task.Target.Body = sealed
	task.Target.ContentType = "application/vnd.custom+json"
	out := NewExecutor(time.Second, 100, sealer).Execute(context.Background(), task)
	assert.Equal(t, models.RunSuccess, out.Status)
	assert.Equal(t, `{"secret":1}`, gotBody)

	// without the key the attempt fails instead of leaking ciphertext
	out = NewExecutor(time.Second, 100, nil).Execute(context.Background(), task)
	assert.Equal(t, models.RunFailed, out.Status)
}
