package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(url string, retries int) *HTTPClient {
	return NewHTTPClient(Options{
		BaseURL:    url,
		Model:      "test-model",
		Provider:   "test",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
	}, zap.NewNop())
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"text":"{\"ok\":true}","input_tokens":10,"output_tokens":5,"cost_usd":0.001}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Model != "test-model" || resp.Provider != "test" {
		t.Errorf("model/provider defaults not applied: %+v", resp)
	}
}

func TestCompleteAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("want ErrAuth, got %v", err)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestCompleteMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3).Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q", resp.Text)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCompleteRetryBound(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestCompleteServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if got := FallbackReason(err); got != "llm service unavailable" {
		t.Errorf("FallbackReason = %q, want %q", got, "llm service unavailable")
	}
}

func TestCompleteConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestCompleteSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{
		BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Provider: "p",
	}, zap.NewNop())
	if _, err := c.Complete(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer sk-test")
	}
}

func TestCompleteOmitsAuthorizationWithoutKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, 0).Complete(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{
		BaseURL: srv.URL, Model: "m", Provider: "p",
		Timeout: 20 * time.Millisecond, MaxRetries: 0,
	}, zap.NewNop())
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestDisabledClient(t *testing.T) {
	_, err := Disabled{}.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("want ErrDisabled, got %v", err)
	}
	if got := FallbackReason(err); got != "llm disabled" {
		t.Errorf("FallbackReason = %q", got)
	}
}

func TestFallbackReasons(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAuth, "llm authentication failed"},
		{ErrTimeout, "llm request timed out"},
		{ErrMalformed, "llm response unparseable"},
		{ErrRateLimited, "llm rate/cost limit exceeded"},
		{ErrUnavailable, "llm service unavailable"},
		{errors.New("boom"), "llm call failed"},
	}
	for _, tc := range cases {
		if got := FallbackReason(tc.err); got != tc.want {
			t.Errorf("FallbackReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
