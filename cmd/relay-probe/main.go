// relay-probe: test client for the frame relay
// In device mode it publishes a JPEG (a file, or generated colour bars) on
// an interval; in viewer mode it prints (and optionally saves) the frames it
// receives; in stats mode it prints the relay's counters.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/framerelay/internal/httpc"
	"github.com/teslashibe/framerelay/internal/log"
	"github.com/teslashibe/framerelay/pkg/protocol"
	"github.com/teslashibe/framerelay/pkg/senderid"
	"github.com/teslashibe/framerelay/pkg/testframe"
)

var (
	relayURL  = flag.String("url", "ws://127.0.0.1:8080/ws/", "Relay WebSocket URL")
	mode      = flag.String("mode", "viewer", "device, viewer or stats")
	id        = flag.Uint64("id", 1, "Sender id (device) or viewer id")
	file      = flag.String("file", "", "JPEG to publish in device mode (default: generated colour bars)")
	width     = flag.Int("width", 320, "Generated frame width")
	height    = flag.Int("height", 240, "Generated frame height")
	interval  = flag.Duration("interval", time.Second, "Delay between frames in device mode")
	count     = flag.Int("count", 0, "Frames to send or receive before exiting (0 = forever)")
	codecName = flag.String("codec", senderid.StrategySuffix, "How the device tags frames: suffix or jpeg-app1")
	fragment  = flag.Int("fragment", 16*1024, "WebSocket frame size used to fragment device messages")
	out       = flag.String("out", "", "Write the latest received frame to this file in viewer mode")
	logLevel  = flag.String("log-level", "info", "debug, info, warn or error")
)

func main() {
	flag.Parse()
	log.Init(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "device":
		err = runDevice(ctx)
	case "viewer":
		err = runViewer(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context, writeBufferSize int) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		WriteBufferSize:  writeBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, *relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", *relayURL, err)
	}
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	return conn, nil
}

func announce(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.DefaultCodec().Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// tag attaches the sender id to img the way the relay is configured to read it.
func tag(img []byte, id uint64, strategy string) ([]byte, error) {
	switch strategy {
	case senderid.StrategySuffix:
		return senderid.AppendSuffix(append([]byte(nil), img...), id)
	case senderid.StrategyJPEGApp1:
		return senderid.EmbedApp1(img, id)
	default:
		return nil, fmt.Errorf("%w: %q", senderid.ErrUnknownStrategy, strategy)
	}
}

// frameSource returns the next image to publish.
func frameSource() (func() ([]byte, error), error) {
	if *file != "" {
		img, err := os.ReadFile(*file)
		if err != nil {
			return nil, err
		}
		return func() ([]byte, error) { return img, nil }, nil
	}
	gen, err := testframe.NewGenerator(*width, *height)
	if err != nil {
		return nil, err
	}
	return gen.Next, nil
}

func runDevice(ctx context.Context) error {
	next, err := frameSource()
	if err != nil {
		return err
	}

	conn, err := dial(ctx, *fragment)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := announce(conn, protocol.NewDeviceAnnounce(*id)); err != nil {
		return err
	}
	// Reading keeps ping/pong and close handling running.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log.Info("publishing frames", "url", *relayURL, "id", *id, "codec", *codecName)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for sent := 0; *count == 0 || sent < *count; sent++ {
		img, err := next()
		if err != nil {
			return err
		}
		frame, err := tag(img, *id, *codecName)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send frame: %w", err)
		}
		log.L().Debug("frame sent", "n", sent+1, "bytes", len(frame))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func runViewer(ctx context.Context) error {
	conn, err := dial(ctx, 0)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := announce(conn, protocol.NewViewerAnnounce(*id)); err != nil {
		return err
	}
	log.Info("waiting for frames", "url", *relayURL, "id", *id)

	codec := protocol.DefaultCodec()
	for received := 0; *count == 0 || received < *count; {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := codec.Decode(data)
		if err != nil || env.Kind != protocol.KindVideoFrame {
			log.Warn("unexpected message", "bytes", len(data), "error", err)
			continue
		}
		payload, err := env.FramePayload()
		if err != nil {
			log.Warn("bad frame data", "sender_id", env.ID, "error", err)
			continue
		}
		received++
		fmt.Printf("frame %d from %d: %d bytes\n", received, env.ID, len(payload))

		if *out != "" {
			if err := os.WriteFile(*out, payload, 0o644); err != nil {
				log.Warn("save frame failed", "path", *out, "error", err)
			}
		}
	}
	return nil
}

// statsURL turns the WebSocket URL into the relay's stats endpoint.
func statsURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/stats"
	u.RawQuery = ""
	return u.String(), nil
}

func runStats(ctx context.Context) error {
	target, err := statsURL(*relayURL)
	if err != nil {
		return err
	}
	var stats map[string]any
	if err := httpc.GetJSON(ctx, target, &stats); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
