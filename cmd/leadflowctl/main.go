// Command leadflowctl talks to a running leadflow status server.
//
// Usage:
//
//	leadflowctl [--addr http://127.0.0.1:9090] [--key KEY] <command> [args]
//
// Commands:
//
//	health            liveness and installation id
//	stats             full operator snapshot
//	summary           rendered summary text
//	contact KEY       one contact from the ledger
//	suppress KEY      never contact KEY
//	requeue [N]       requeue up to N failed contacts
//	dead [N]          list failed queue hand-offs
//	replay [N]        replay failed queue hand-offs
//	events            follow live events until interrupted
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/snehjoshi/leadflow/pkg/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "leadflowctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", envOr("LEADFLOW_STATUS_ADDR", "http://127.0.0.1:9090"), "status server base URL")
	key := flag.String("key", os.Getenv("LEADFLOW_STATUS_API_KEY"), "status API key")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	c := client.New(*addr, client.WithAPIKey(*key), client.WithTimeout(*timeout))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := args[0]; cmd {
	case "health":
		return printResult(c.Health(ctx))
	case "stats":
		return printResult(c.Stats(ctx))
	case "summary":
		s, err := c.Summary(ctx)
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	case "contact":
		if len(args) < 2 {
			return errors.New("contact: missing KEY")
		}
		return printResult(c.Contact(ctx, args[1]))
	case "suppress":
		if len(args) < 2 {
			return errors.New("suppress: missing KEY")
		}
		return printResult(c.Suppress(ctx, args[1]))
	case "requeue":
		n, err := limitArg(args)
		if err != nil {
			return err
		}
		return printResult(c.RequeueFailed(ctx, n))
	case "dead":
		n, err := limitArg(args)
		if err != nil {
			return err
		}
		tasks, total, err := c.DeadLetters(ctx, n)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"total": total, "tasks": tasks})
	case "replay":
		n, err := limitArg(args)
		if err != nil {
			return err
		}
		replayed, err := c.ReplayDeadLetters(ctx, n)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"replayed": replayed})
	case "events":
		events, err := c.Events(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func limitArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid limit %q", args[0], args[1])
	}
	return n, nil
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
