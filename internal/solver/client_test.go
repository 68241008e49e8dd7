package solver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/captcha-relay/internal/core"
)

func newTestJob() *core.Job {
	return &core.Job{
		ID: "job-1",
		Payload: core.Payload{
			PageURL: "https://example.com/login",
			SiteKey: "SITEKEY",
			Proxy:   "http://1.2.3.4:8080",
		},
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: 2 * time.Second})
}

func TestSubmit_SendsProtocolParameters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/in.php" {
			t.Errorf("request = %s %s, want POST /in.php", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		want := map[string]string{
			"key":       "secret",
			"method":    core.DefaultMethod,
			"googlekey": "SITEKEY",
			"pageurl":   "https://example.com/login",
			"proxy":     "1.2.3.4:8080",
			"proxytype": "HTTP",
		}
		for k, v := range want {
			if got := q.Get(k); got != v {
				t.Errorf("param %s = %q, want %q", k, got, v)
			}
		}
		_, _ = w.Write([]byte("OK|42"))
	})

	id, err := c.Submit(context.Background(), newTestJob())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "42" {
		t.Errorf("Submit() = %q, want 42", id)
	}
}

func TestSubmit_BackendRejection(t *testing.T) {
	tests := []struct {
		body string
		code string
	}{
		{"ERROR_WRONG_USER_KEY", core.CodeWrongUserKey},
		{"IP_BANNED", core.CodeIPBanned},
		{"ERROR_ZERO_BALANCE", core.CodeZeroBalance},
		{"", core.CodeBadRequest},
	}

	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(tt.body))
		})
		_, err := c.Submit(context.Background(), newTestJob())
		var be *core.BackendError
		if !errors.As(err, &be) {
			t.Fatalf("Submit(%q) error = %v, want BackendError", tt.body, err)
		}
		if be.Code != tt.code {
			t.Errorf("Submit(%q) code = %q, want %q", tt.body, be.Code, tt.code)
		}
	}
}

func TestSubmit_ValidatesBeforeRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("OK|1"))
	})

	bad := []core.Payload{
		{PageURL: "https://example.com"},
		{PageURL: "ftp://example.com", SiteKey: "k"},
		{PageURL: "example.com", SiteKey: "k"},
	}
	for _, p := range bad {
		_, err := c.Submit(context.Background(), &core.Job{Payload: p})
		if core.ErrorCode(err) != core.CodeBadParameters {
			t.Errorf("Submit(%+v) error = %v, want %s", p, err, core.CodeBadParameters)
		}
		if core.Classify(err) != core.ClassCritical {
			t.Errorf("Submit(%+v) class = %v, want critical", p, core.Classify(err))
		}
	}
	if calls.Load() != 0 {
		t.Errorf("backend called %d times for invalid input", calls.Load())
	}
}

func TestSubmit_TransportFailureIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Submit(context.Background(), newTestJob())
	if err == nil {
		t.Fatal("expected error")
	}
	if core.Classify(err) != core.ClassTransient {
		t.Errorf("class = %v, want transient", core.Classify(err))
	}
	if core.ErrorCode(err) != core.CodeTransport {
		t.Errorf("code = %q, want %q", core.ErrorCode(err), core.CodeTransport)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		body     string
		status   core.PollStatus
		solution string
		code     string
	}{
		{"OK|ANSWER", core.PollSolved, "ANSWER", ""},
		{"CAPCHA_NOT_READY", core.PollNotReady, "", ""},
		{"ERROR_CAPTCHA_UNSOLVABLE", core.PollFailed, "", core.CodeUnsolvable},
		{"ERROR_WRONG_CAPTCHA_ID", core.PollFailed, "", core.CodeWrongCaptchaID},
		{"ERROR", core.PollFailed, "", core.CodeGenericError},
		{"ERROR_RECAPTCHA_TIMEOUT proxy too slow", core.PollFailed, "", core.CodeRecaptchaTimeout},
		{"OK|", core.PollFailed, "", core.CodeBadRequest},
	}

	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if r.URL.Path != "/res.php" || q.Get("action") != "get" || q.Get("id") != "42" || q.Get("key") != "secret" {
				t.Errorf("unexpected poll request %s", r.URL)
			}
			_, _ = w.Write([]byte(tt.body))
		})

		res, err := c.Poll(context.Background(), "42")
		if err != nil {
			t.Fatalf("Poll(%q) error = %v", tt.body, err)
		}
		if res.Status != tt.status {
			t.Errorf("Poll(%q) status = %v, want %v", tt.body, res.Status, tt.status)
		}
		if res.Solution != tt.solution {
			t.Errorf("Poll(%q) solution = %q, want %q", tt.body, res.Solution, tt.solution)
		}
		if tt.code != "" && (res.Err == nil || res.Err.Code != tt.code) {
			t.Errorf("Poll(%q) err = %v, want code %s", tt.body, res.Err, tt.code)
		}
	}
}

func TestPoll_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK|x"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Poll(ctx, "42"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestRateLimiter(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", RPS: 0.5})
	if c.limiter == nil {
		t.Fatal("limiter not configured")
	}
	if c.limiter.Burst() != 1 {
		t.Errorf("burst = %d, want 1", c.limiter.Burst())
	}
	if NewClient(Config{BaseURL: "http://unused"}).limiter != nil {
		t.Error("limiter configured with RPS=0")
	}
}
