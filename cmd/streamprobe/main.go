// streamprobe dials a gateway websocket endpoint and pretty-prints the
// envelopes it receives. Useful for eyeballing a running gateway:
//
//	streamprobe -url ws://localhost:8080/ws/candles/BTCUSDT/1m
//	streamprobe -url ws://localhost:8080/ws/orderbook/BTCUSDT -params limit=50,rounding=0.1
//	streamprobe -url ws://localhost:8080/ws/candles/BTCUSDT/1m -timeframe 5m -frames 20
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"market-data-gateway/internal/stream"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws/trades/BTCUSDT", "gateway websocket endpoint")
		frames    = flag.Int("frames", 0, "stop after this many frames (0 = run until interrupted)")
		params    = flag.String("params", "", "send update_params after the initial frame, e.g. limit=50,rounding=0.1")
		timeframe = flag.String("timeframe", "", "send change_timeframe after the initial frame")
	)
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", *url)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	start := time.Now()
	count := 0
	controlsSent := false

	for {
		var env stream.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				fmt.Printf("closed by peer: %d %s\n", closeErr.Code, closeErr.Text)
			} else {
				fmt.Printf("read: %v\n", err)
			}
			break
		}
		count++
		printEnvelope(count, env)

		if !controlsSent && env.Initial {
			controlsSent = true
			if *params != "" {
				sendParams(conn, *params)
			}
			if *timeframe != "" {
				send(conn, map[string]interface{}{"type": "change_timeframe", "timeframe": *timeframe})
			}
		}

		if *frames > 0 && count >= *frames {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			break
		}
	}

	elapsed := time.Since(start)
	if elapsed > 0 && count > 0 {
		fmt.Printf("\n%d frames in %s (%.1f frames/s)\n", count, elapsed.Round(time.Millisecond), float64(count)/elapsed.Seconds())
	}
}

func printEnvelope(n int, env stream.Envelope) {
	tag := "update"
	switch {
	case env.Initial:
		tag = "initial"
	case env.Type == stream.TypeError:
		tag = "error"
	case env.Type == stream.TypePong:
		tag = "pong"
	}

	head := fmt.Sprintf("[%4d] %-20s %-8s", n, env.Type, tag)
	if env.Symbol != "" {
		head += " " + env.Symbol
	}
	if env.Timeframe != "" {
		head += "@" + env.Timeframe
	}
	if env.Code != "" {
		head += fmt.Sprintf(" code=%s message=%q", env.Code, env.Message)
	}
	fmt.Println(head + " " + compactData(env.Data))
}

// compactData renders the payload on one line, truncated so a deep order
// book does not flood the terminal.
func compactData(data interface{}) string {
	if data == nil {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	const max = 160
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// sendParams turns "limit=50,rounding=0.1" into an update_params message.
func sendParams(conn *websocket.Conn, raw string) {
	msg := map[string]interface{}{"type": "update_params"}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			fmt.Fprintf(os.Stderr, "skipping malformed param %q\n", pair)
			continue
		}
		switch kv[0] {
		case "limit":
			if v, err := strconv.Atoi(kv[1]); err == nil {
				msg["limit"] = v
			}
		case "rounding":
			if v, err := strconv.ParseFloat(kv[1], 64); err == nil {
				msg["rounding"] = v
			}
		default:
			fmt.Fprintf(os.Stderr, "skipping unknown param %q\n", kv[0])
		}
	}
	send(conn, msg)
}

func send(conn *websocket.Conn, msg map[string]interface{}) {
	if err := conn.WriteJSON(msg); err != nil {
		fmt.Fprintf(os.Stderr, "send %v: %v\n", msg["type"], err)
		return
	}
	fmt.Printf("  -> sent %v\n", msg)
}
