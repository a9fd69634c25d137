package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRequiresBearerOnV1Routes(t *testing.T) {
	handler := Auth("secret", "/v1/events/")(okHandler())

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "health is public", target: "/healthz", want: http.StatusOK},
		{name: "missing token", target: "/v1/queues/stats", want: http.StatusUnauthorized},
		{name: "wrong token", target: "/v1/queues/stats", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", target: "/v1/queues/stats", header: "Bearer secret", want: http.StatusOK},
		{name: "query token on stream", target: "/v1/events/content?access_token=secret", want: http.StatusOK},
		{name: "query token elsewhere", target: "/v1/queues/stats?access_token=secret", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				request.Header.Set("Authorization", tc.header)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)
			assert.Equal(t, tc.want, recorder.Code)
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	recorder := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestRequestIDPropagatesOrMints(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "req-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", recorder.Header().Get("X-Request-Id"))

	request = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "bad id\nwith newline")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.NotEqual(t, "bad id\nwith newline", seen)
	assert.Len(t, seen, 36)
}

func TestTraceLogsStatus(t *testing.T) {
	var buffer bytes.Buffer
	handler := Trace(log.New(&buffer, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/creators/collect", nil))
	line := buffer.String()
	assert.Contains(t, line, "status=202")
	assert.Contains(t, line, "bytes=2")
	assert.True(t, strings.HasPrefix(line, "trace request_id=unknown method=POST path=/v1/creators/collect"))
}

func TestTraceKeepsFlusherReachable(t *testing.T) {
	handler := Trace(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
		assert.NoError(t, http.NewResponseController(w).Flush())
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/events/content", nil))
	assert.True(t, recorder.Flushed)
}

func TestRateLimiterPerIP(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	handler := limiter.Middleware(okHandler())

	call := func(remote string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
		request.RemoteAddr = remote
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000"))

	clock = clock.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1003"))

	clock = clock.Add(visitorIdle + time.Second)
	require.Equal(t, 0, limiter.Sweep())
}
