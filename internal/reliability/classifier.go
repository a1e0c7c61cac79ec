package reliability

import (
	"time"

	"github.com/gorilla/websocket"
)

// ShouldReconnectCloseCode classifies websocket close codes that warrant an
// automatic reconnect. A normal closure is the user hanging up and must
// never trigger one.
func ShouldReconnectCloseCode(code int) bool {
	switch code {
	case websocket.CloseNormalClosure:
		return false
	case websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	default:
		// Unknown codes are treated as abnormal; the backoff cap bounds
		// the damage if the server is rejecting us deliberately.
		return true
	}
}

// LinearBackoff computes the delay before reconnect attempt n (1-based):
// base, 2×base, 3×base, ... The growth is deliberately linear rather than
// exponential so a short outage never pushes the user minutes out.
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
