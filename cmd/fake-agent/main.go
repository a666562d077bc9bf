// ABOUTME: Minimal fake agent for E2E testing — connects via websocket, echoes commands.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-hostname fake-box]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/ops-gateway/internal/relay"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway HTTP address")
	hostname := flag.String("hostname", "fake-box", "hostname to report")
	flag.Parse()

	if err := run(*addr, *hostname); err != nil {
		log.Fatal(err)
	}
}

func run(addr, hostname string) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/ws",
		RawQuery: "agent=true&hostname=" + url.QueryEscape(hostname),
	}

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var welcome relay.Envelope
	if err := ws.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Type != relay.TypeWelcome {
		return fmt.Errorf("expected welcome, got: %s", welcome.Type)
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", welcome.ClientID)

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var env relay.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		switch env.Type {
		case relay.TypeCommand:
			fmt.Fprintf(os.Stderr, "command %s: %s\n", env.TaskID, env.Command)
			reply := relay.Envelope{
				Type:   relay.TypeResult,
				TaskID: env.TaskID,
				Output: "echo: " + env.Command + "\n",
			}
			if err := ws.WriteJSON(reply); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}

		case relay.TypeTerminalInput:
			fmt.Fprintf(os.Stderr, "terminal input: %q\n", env.Input)
			reply := relay.Envelope{
				Type:   relay.TypeTerminalOutput,
				Output: "$ " + strings.TrimRight(env.Input, "\n") + "\nok\n",
			}
			if err := ws.WriteJSON(reply); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}

		case relay.TypeLifecycle:
			fmt.Fprintf(os.Stderr, "lifecycle action: %s\n", env.Action)
			if env.Action == relay.ActionForceDisconnect {
				return nil
			}

		default:
			fmt.Fprintf(os.Stderr, "unhandled frame type: %s\n", env.Type)
		}
	}
}
