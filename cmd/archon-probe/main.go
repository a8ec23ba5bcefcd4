// ABOUTME: CLI probe for exercising an archon transport endpoint.
// ABOUTME: Opens sessions, makes calls, and tails the push channel with colored output.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/miiwins/archon/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: archon-probe <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  call <method> [params-json]   Invoke a method on a fallback session")
		fmt.Println("  listen                        Tail the push channel of a streaming session")
		fmt.Println("  watch [interval]              Subscribe to clock ticks and tail them")
		fmt.Println("  describe                      Show the server's identity and capabilities")
		fmt.Println("  terminate                     Open a session and tear it down (DELETE check)")
		fmt.Println()
		fmt.Println("Config: " + configPath())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "call":
		err = runCall(ctx)
	case "listen":
		err = runListen(ctx)
	case "watch":
		err = runWatch(ctx)
	case "describe":
		err = runDescribe(ctx)
	case "terminate":
		err = runTerminate(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connect loads config and opens a session in the given mode.
func connect(ctx context.Context, mode string) (*Client, error) {
	cfg, err := loadConfig(configPath())
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = cfg.Server.Mode
	}

	c := NewClient(cfg.Server.URL, cfg.token())
	result, err := c.Initialize(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", cfg.Server.URL, err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("session %s (%s, protocol %s, server %s %s)\n",
		c.SessionID(), c.Mode(), result.ProtocolVersion,
		result.ServerInfo.Name, result.ServerInfo.Version)
	return c, nil
}

func runCall(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: archon-probe call <method> [params-json]")
	}
	method := os.Args[2]

	var params any
	if len(os.Args) > 3 {
		if err := json.Unmarshal([]byte(os.Args[3]), &params); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
	}

	c, err := connect(ctx, "fallback")
	if err != nil {
		return err
	}
	defer terminateQuietly(c)

	start := time.Now()
	reply, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if reply.Error != nil {
		red := color.New(color.FgRed)
		red.Printf("error %d: %s", reply.Error.Code, reply.Error.Message)
		fmt.Printf("  (%s)\n", elapsed)
		os.Exit(1)
	}

	printJSON(reply.Result)
	color.New(color.FgHiBlack).Printf("(%s)\n", elapsed)
	return nil
}

func runListen(ctx context.Context) error {
	c, err := connect(ctx, "streaming")
	if err != nil {
		return err
	}
	defer terminateQuietly(c)

	fmt.Println("listening (ctrl-c to stop)")
	err = c.Listen(ctx, printMessage)
	if ctx.Err() != nil {
		fmt.Println("\nstopped")
		return nil
	}
	return err
}

func runTerminate(ctx context.Context) error {
	c, err := connect(ctx, "fallback")
	if err != nil {
		return err
	}

	if err := c.Terminate(ctx); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("session %s terminated\n", c.SessionID())
	return nil
}

func printMessage(msg *protocol.Message) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	switch msg.Kind() {
	case protocol.KindNotification:
		cyan.Printf("%s ", msg.Method)
		printJSON(msg.Params)
	case protocol.KindResponse:
		if msg.Error != nil {
			yellow.Printf("response error %d: %s\n", msg.Error.Code, msg.Error.Message)
			return
		}
		yellow.Print("response ")
		printJSON(msg.Result)
	}
}

func runWatch(ctx context.Context) error {
	interval := "5s"
	if len(os.Args) > 2 {
		interval = os.Args[2]
	}
	if _, err := time.ParseDuration(interval); err != nil {
		return fmt.Errorf("invalid interval %q: %w", interval, err)
	}

	c, err := connect(ctx, "streaming")
	if err != nil {
		return err
	}
	defer terminateQuietly(c)

	if err := c.Submit(ctx, "clock/subscribe", map[string]string{"interval": interval}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	fmt.Printf("watching (interval %s, ctrl-c to stop)\n", interval)

	err = c.Listen(ctx, printMessage)
	if ctx.Err() != nil {
		fmt.Println("\nstopped")
		return nil
	}
	return err
}

func runDescribe(ctx context.Context) error {
	c, err := connect(ctx, "fallback")
	if err != nil {
		return err
	}
	defer terminateQuietly(c)

	reply, err := c.Call(ctx, "server/describe", nil)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return reply.Error
	}
	printJSON(reply.Result)
	return nil
}

// terminateQuietly tears the session down on a fresh context; the command's
// own context is often already canceled by then.
func terminateQuietly(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Terminate(ctx)
}

func printJSON(raw json.RawMessage) {
	if len(raw) == 0 {
		fmt.Println("null")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
