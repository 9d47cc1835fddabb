package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantarc/quantarc-go/pkg/apierr"
)

func newTestClient(url string, opts ...Option) *Client {
	base := []Option{
		WithMaxRetries(3),
		WithBackoffBase(time.Millisecond),
		WithTimeout(time.Second),
	}
	return New(url, append(base, opts...)...)
}

// dropConnection closes the client connection without writing a response,
// which the client sees as a network-level (transient) failure.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func TestSubmit_Success(t *testing.T) {
	var gotBody Envelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected application/json content type, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("Expected X-Request-ID header to be set")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "data": [{"geoid": 1}]}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	resp, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: map[string]any{"table": "pop"}}, 0, nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if gotBody.Token != "tok" {
		t.Errorf("Expected token in request body, got %q", gotBody.Token)
	}
	if string(resp.Data) != `[{"geoid": 1}]` {
		t.Errorf("Unexpected data payload: %s", resp.Data)
	}
}

func TestSubmit_ExtraHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Team") != "research" {
			t.Errorf("Expected X-Team header, got %q", r.Header.Get("X-Team"))
		}
		w.Write([]byte(`{"success": true, "data": []}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, map[string]string{"X-Team": "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func TestSubmit_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			dropConnection(w)
			return
		}
		w.Write([]byte(`{"success": true, "data": []}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("Expected 4 attempts (3 failures + success), got %d", got)
	}
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		dropConnection(w)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
	if err == nil {
		t.Fatal("Expected error after exhausting retry budget")
	}
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.Message != msgRetriesExhausted {
		t.Errorf("Expected retries-exhausted message, got %q", svcErr.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("Expected 4 attempts (1 + 3 retries), got %d", got)
	}
}

func TestSubmit_Status520AlwaysYieldsTooLargeMessage(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(520)
		w.Write([]byte("some unrelated gateway noise"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.Message != msgQueryTooLarge {
		t.Errorf("Expected fixed too-large message, got %q", svcErr.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no retries on 520, got %d attempts", got)
	}
}

func TestSubmit_Non200IsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("service unavailable"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", svcErr.StatusCode)
	}
	if !strings.Contains(string(svcErr.Body), "service unavailable") {
		t.Errorf("Expected response body on error, got %q", svcErr.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no retries on 503, got %d attempts", got)
	}
}

func TestSubmit_SuccessFalseIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "unknown table"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if !strings.Contains(string(svcErr.Body), "unknown table") {
		t.Errorf("Expected body with failure detail, got %q", svcErr.Body)
	}
}

func TestSubmit_TimeoutIsTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithMaxRetries(1))
	_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 10*time.Millisecond, nil)
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError after timeout retries, got %T: %v", err, err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected 2 attempts with a budget of 1 retry, got %d", got)
	}
}

func TestSubmit_TerminalFailuresDoNotTripBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.Write([]byte(`{"success": false, "message": "unknown table"}`))
			return
		}
		w.Write([]byte(`{"success": true, "data": []}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil)
		var svcErr *apierr.ServiceError
		if !errors.As(err, &svcErr) {
			t.Fatalf("Submission %d: expected ServiceError, got %T: %v", i+1, err, err)
		}
	}

	// Three terminal answers in a row are still answers; the next
	// submission must go out on the wire.
	if _, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil); err != nil {
		t.Fatalf("Expected the fourth submission to reach the service, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("Expected 4 requests on the wire, got %d", got)
	}
}

func TestSubmit_NetworkFailuresTripBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		dropConnection(w)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.Submit(context.Background(), Envelope{Token: "tok", Query: "q"}, 0, nil); err == nil {
			t.Fatalf("Submission %d: expected failure", i+1)
		}
	}
	onWire := atomic.LoadInt32(&calls)

	_, err := c.Submit(context.Background(), Envelope{Token: "secret-token", Query: "q"}, 0, nil)
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.Message != msgBreakerOpen {
		t.Errorf("Expected breaker-open message, got %q", svcErr.Message)
	}
	if strings.Contains(string(svcErr.Request), "secret-token") {
		t.Error("Refusal error carries the bearer token")
	}
	if !strings.Contains(string(svcErr.Request), TokenMask) {
		t.Errorf("Expected token mask in refusal error, got %s", svcErr.Request)
	}
	if got := atomic.LoadInt32(&calls); got != onWire {
		t.Errorf("Expected no network traffic while open, got %d extra requests", got-onWire)
	}
}

func TestSubmit_ErrorsNeverCarryToken(t *testing.T) {
	const token = "secret-token-do-not-leak"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Submit(context.Background(), Envelope{Token: token, Query: "q"}, 0, nil)
	if err == nil {
		t.Fatal("Expected error")
	}
	if strings.Contains(err.Error(), token) {
		t.Error("Error message contains the bearer token")
	}
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T", err)
	}
	if strings.Contains(string(svcErr.Request), token) {
		t.Error("Redacted request still contains the bearer token")
	}
	if !strings.Contains(string(svcErr.Request), TokenMask) {
		t.Errorf("Expected token mask in redacted request, got %s", svcErr.Request)
	}
}

func TestPostRaw_BearerHeaderAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Expected bearer header, got %q", r.Header.Get("Authorization"))
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["job_id"] != "job-1" {
			t.Errorf("Expected job_id in payload, got %v", payload)
		}
		w.Write([]byte("raw,bytes"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	raw, err := c.PostRaw(context.Background(), "/jobs/download", "tok", map[string]string{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("PostRaw failed: %v", err)
	}
	if string(raw) != "raw,bytes" {
		t.Errorf("Unexpected body: %q", raw)
	}
}

func TestPostRaw_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such job"))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.PostRaw(context.Background(), "/jobs/status", "tok", map[string]string{"job_id": "nope"})
	var svcErr *apierr.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", svcErr.StatusCode)
	}
}

func TestPostJSON_Decodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "message": "Processing"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.PostJSON(context.Background(), "/jobs/status", "tok", map[string]string{"job_id": "j"}, &out); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if !out.Success || out.Message != "Processing" {
		t.Errorf("Unexpected decode result: %+v", out)
	}
}

func TestLinearBackOff(t *testing.T) {
	b := newLinearBackOff(500 * time.Millisecond)
	want := []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("Backoff %d: expected %v, got %v", i, w, got)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 500*time.Millisecond {
		t.Errorf("Expected backoff to restart at base after Reset, got %v", got)
	}
}

func TestRedactedEnvelope(t *testing.T) {
	env := Envelope{Token: "secret", Queries: map[string]any{"a": 1}}
	redacted := string(env.Redacted())
	if strings.Contains(redacted, "secret") {
		t.Error("Redacted envelope still contains the token")
	}
	if !strings.Contains(redacted, TokenMask) {
		t.Errorf("Expected mask in redacted envelope, got %s", redacted)
	}
}
