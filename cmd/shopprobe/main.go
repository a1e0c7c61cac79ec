// shopprobe replays synthetic utterances against a live shopping processor
// and reports per-turn latency. It speaks the same wire protocol as the
// daemon, so it doubles as an end-to-end protocol check without touching
// a microphone.
package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jllobera/shopvoice/internal/protocol"
	"github.com/jllobera/shopvoice/internal/reliability"
)

type options struct {
	serverURL   string
	tenantID    string
	subjectID   string
	format      string
	lang        string
	turns       int
	toneHz      int
	utteranceMS int
	turnTimeout time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shopprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "shopprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.serverURL, "server-url", "ws://127.0.0.1:8080", "shopping processor websocket base URL")
	flag.StringVar(&cfg.tenantID, "tenant", "default", "tenant id")
	flag.StringVar(&cfg.subjectID, "subject", "probe-"+uuid.NewString()[:8], "subject id for the synthetic conversation")
	flag.StringVar(&cfg.format, "format", "webm", "format field sent with each utterance")
	flag.StringVar(&cfg.lang, "lang", "es", "lang field sent with each utterance")
	flag.IntVar(&cfg.turns, "turns", 5, "number of utterances to replay")
	flag.IntVar(&cfg.toneHz, "tone-hz", 440, "synthetic tone frequency")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 1200, "synthetic utterance length in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a reply per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.serverURL = strings.TrimRight(strings.TrimSpace(cfg.serverURL), "/")
	if cfg.serverURL == "" {
		return options{}, fmt.Errorf("server-url is required")
	}
	if !strings.HasPrefix(cfg.serverURL, "ws") {
		return options{}, fmt.Errorf("server-url must use ws or wss scheme")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.utteranceMS < 100 || cfg.utteranceMS > 10000 {
		return options{}, fmt.Errorf("utterance-ms must be in [100,10000]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := healthCheck(ctx, cfg.serverURL); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	wsURL := fmt.Sprintf("%s/%s/v1/ws/shopping/%s?return_audio=false",
		cfg.serverURL, url.PathEscape(cfg.tenantID), url.PathEscape(cfg.subjectID))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	conversationID, err := awaitStarted(conn, cfg.turnTimeout)
	if err != nil {
		return fmt.Errorf("await conversation_started: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("shopprobe: conversation=%s turns=%d utterance_ms=%d\n", conversationID, cfg.turns, cfg.utteranceMS)
	}

	payload := base64.StdEncoding.EncodeToString(tonePCM16LE(cfg.toneHz, cfg.utteranceMS, 16000))

	var total time.Duration
	for i := 0; i < cfg.turns; i++ {
		msg := protocol.AudioMessage{
			Type:       protocol.TypeAudio,
			Data:       payload,
			Format:     cfg.format,
			Lang:       cfg.lang,
			TrackingID: uuid.NewString(),
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		sent := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		reply, err := awaitReply(conn, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		elapsed := time.Since(sent)
		total += elapsed
		if cfg.verbose {
			fmt.Printf("shopprobe: turn %d/%d reply in %s text=%q\n", i+1, cfg.turns, elapsed.Round(time.Millisecond), reply.Text())
		}
	}

	fmt.Printf("shopprobe: completed %d turns, mean reply latency %s\n",
		cfg.turns, (total / time.Duration(cfg.turns)).Round(time.Millisecond))

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	return nil
}

// healthCheck hits the processor's health endpoint over plain HTTP before
// dialing, retrying statuses that indicate a server still warming up.
func healthCheck(ctx context.Context, wsBase string) error {
	httpBase := strings.Replace(wsBase, "ws", "http", 1)
	client := &http.Client{Timeout: 5 * time.Second}

	var lastStatus int
	for attempt := 1; attempt <= 5; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase+"/healthz", nil)
		if err != nil {
			return err
		}
		res, err := client.Do(req)
		if err == nil {
			res.Body.Close()
			if res.StatusCode == http.StatusOK {
				return nil
			}
			lastStatus = res.StatusCode
			if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return fmt.Errorf("HTTP %d from %s/healthz", res.StatusCode, httpBase)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("server not healthy after 5 attempts (last status %d)", lastStatus)
}

func awaitStarted(conn *websocket.Conn, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			continue
		}
		if started, ok := msg.(protocol.ConversationStarted); ok {
			return started.ConversationID, nil
		}
	}
}

func awaitReply(conn *websocket.Conn, timeout time.Duration) (protocol.Reply, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return protocol.Reply{}, err
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			continue
		}
		switch v := msg.(type) {
		case protocol.Reply:
			return v, nil
		case protocol.ServerError:
			return protocol.Reply{}, fmt.Errorf("server error: %s", v.Error)
		}
	}
}

// tonePCM16LE renders a sine tone as little-endian mono PCM16.
func tonePCM16LE(freqHz, durMS, sampleRate int) []byte {
	samples := sampleRate * durMS / 1000
	out := make([]byte, 0, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * float64(freqHz) * float64(i) / float64(sampleRate))
		s := int16(v * 12000)
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}
