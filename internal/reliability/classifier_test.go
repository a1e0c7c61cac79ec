package reliability

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestShouldReconnectCloseCode(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{websocket.CloseNormalClosure, false},
		{websocket.CloseGoingAway, true},
		{websocket.CloseAbnormalClosure, true},
		{websocket.CloseInternalServerErr, true},
		{websocket.CloseServiceRestart, true},
		{4999, true},
	}
	for _, tc := range cases {
		if got := ShouldReconnectCloseCode(tc.code); got != tc.want {
			t.Fatalf("ShouldReconnectCloseCode(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestLinearBackoffSchedule(t *testing.T) {
	base := 3 * time.Second
	for n := 1; n <= 5; n++ {
		want := time.Duration(n) * base
		if got := LinearBackoff(n, base); got != want {
			t.Fatalf("LinearBackoff(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestLinearBackoffClampsAttempt(t *testing.T) {
	if got := LinearBackoff(0, time.Second); got != time.Second {
		t.Fatalf("LinearBackoff(0) = %s, want 1s", got)
	}
	if got := LinearBackoff(-3, time.Second); got != time.Second {
		t.Fatalf("LinearBackoff(-3) = %s, want 1s", got)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 204, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}
