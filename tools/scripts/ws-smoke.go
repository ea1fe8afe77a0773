// Package main provides a CI-friendly WebSocket smoke test against a live
// messaging gateway.
//
// It validates:
//   - handshake against the gateway's /ws endpoint
//   - app-level ping -> pong round trip
//   - frame envelope decoding ({"type","data"}) for everything the gateway
//     pushes during the listen window
//   - optionally, transmission of one caller-supplied frame
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn *websocket.Conn

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:3000/ws", "gateway WebSocket URL")
		origin   = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		listen   = flag.Duration("listen", 10*time.Second, "How long to print pushed frames after the ping check")
		sendType = flag.String("send", "", "Optional frame type to transmit after the ping check")
		sendData = flag.String("data", "{}", "JSON payload for -send")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	c := mustConnect(root, *wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: url=%s origin=%q\n", *wsURL, *origin)
	}

	rtt := mustPingPong(root, c, *timeout, *verbose)

	if strings.TrimSpace(*sendType) != "" {
		mustSendRaw(root, c, *sendType, *sendData, *timeout)
		if *verbose {
			fmt.Printf("sent: type=%s data=%s\n", *sendType, *sendData)
		}
	}

	counts := listenAndPrint(root, c, *listen)

	fmt.Printf("OK: ping_rtt=%s frames=%d by_type=%v\n", rtt.Round(time.Millisecond), total(counts), counts)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f v1.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := f.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			// The gateway may ping us too; answer so it keeps the
			// connection alive for the whole listen window.
			if f.Type == v1.TypePing {
				mustWriteWithTimeout(context.Background(), c.conn, v1.Pong(), 5*time.Second)
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration, verbose bool) time.Duration {
	start := time.Now()
	mustWriteWithTimeout(parent, c.conn, v1.Ping(), stepTimeout)
	c.mustReadUntilType(parent, v1.TypePong, stepTimeout, verbose)
	return time.Since(start)
}

func mustSendRaw(parent context.Context, c *smokeClient, frameType, data string, stepTimeout time.Duration) {
	if !json.Valid([]byte(data)) {
		fatalf("-data is not valid JSON: %q", data)
	}
	f := v1.Frame{Type: frameType, Data: json.RawMessage(data)}
	mustWriteWithTimeout(parent, c.conn, f, stepTimeout)
}

// listenAndPrint drains the inbox for the given window, printing each pushed
// frame, and returns per-type counts.
func listenAndPrint(parent context.Context, c *smokeClient, window time.Duration) map[string]int {
	ctx, cancel := context.WithTimeout(parent, window)
	defer cancel()

	counts := map[string]int{}
	for {
		select {
		case <-ctx.Done():
			return counts
		case err := <-c.errCh:
			fatalf("connection error while listening: %v", err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while listening")
			}
			counts[f.Type]++
			fmt.Printf("frame: type=%s data=%s\n", f.Type, truncate(string(f.Data), 200))
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, verbose bool) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q", wantType)
			}
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if f.Type == wantType {
				return f
			}
			// A live gateway pushes application frames at any time;
			// skip them while waiting for the handshake reply.
			if verbose {
				fmt.Printf("skip: type=%s\n", f.Type)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, f v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func total(counts map[string]int) int {
	n := 0
	for _, v := range counts {
		n += v
	}
	return n
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
