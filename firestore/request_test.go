package firestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHttpRequesterSend(t *testing.T) {
	var gotMethod string
	var gotBody string
	var gotContentType string
	var gotAuth string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		bodyBytes, _ := io.ReadAll(r.Body)
		gotBody = string(bodyBytes)

		w.Header().Set("X-HTTP-Session-Id", "gsession-test")
		fmt.Fprint(w, "response-content")
	}))
	defer server.Close()

	requester := newHttpRequester()
	query := url.Values{}
	query.Set("database", "projects/demo/databases/(default)")

	response, err := requester.Send(
		context.Background(),
		server.URL,
		"POST",
		"count=1&ofs=0",
		"application/x-www-form-urlencoded",
		query,
		"test-token",
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, response.Ok(), true)
	assert.Equal(t, response.ContentAsString(), "response-content")
	assert.Equal(t, response.HeaderValue("X-HTTP-Session-Id"), "gsession-test")

	assert.Equal(t, gotMethod, "POST")
	assert.Equal(t, gotBody, "count=1&ofs=0")
	assert.Equal(t, gotContentType, "application/x-www-form-urlencoded")
	assert.Equal(t, gotAuth, "Bearer test-token")
	assert.Equal(t, gotQuery.Get("database"), "projects/demo/databases/(default)")
}

func TestHttpRequesterStreamGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "chunk-one;")
		flusher.Flush()
		fmt.Fprint(w, "chunk-two;")
		flusher.Flush()
	}))
	defer server.Close()

	requester := newHttpRequester()
	received := ""
	err := requester.StreamGet(
		context.Background(),
		server.URL,
		nil,
		"test-token",
		func(chunk []byte) bool {
			received += string(chunk)
			return true
		},
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, received, "chunk-one;chunk-two;")
}

func TestHttpRequesterStreamGetAbort(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "first")
		flusher.Flush()
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(blocked)

	requester := newHttpRequester()
	err := requester.StreamGet(
		context.Background(),
		server.URL,
		nil,
		"",
		func(chunk []byte) bool {
			// abort after the first chunk
			return false
		},
	)
	assert.Equal(t, err, nil)
}

func TestHttpRequesterStreamGetErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unknown SID", http.StatusBadRequest)
	}))
	defer server.Close()

	requester := newHttpRequester()
	err := requester.StreamGet(
		context.Background(),
		server.URL,
		nil,
		"",
		func(chunk []byte) bool {
			return true
		},
	)
	assert.NotEqual(t, err, nil)
}
