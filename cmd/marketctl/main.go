// marketctl is the command-line control client for a running marketd server.
//
// Exit codes: 0 on success, 1 on usage or validation errors, 2 on server and
// runtime errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"marketd/internal/config"
	"marketd/pkg/marketd"
)

// errValidation marks failures of local validation commands; they exit 1
// like usage errors, while server and runtime errors exit 2.
var errValidation = errors.New("validation failed")

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: marketctl [-server URL] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                    Print the client version\n")
	fmt.Fprintf(os.Stderr, "  system start               Start the session stack\n")
	fmt.Fprintf(os.Stderr, "  system stop                Stop the session stack\n")
	fmt.Fprintf(os.Stderr, "  system status              Show process and coordinator state\n")
	fmt.Fprintf(os.Stderr, "  session status [--full]    Show the session snapshot\n")
	fmt.Fprintf(os.Stderr, "  session pause              Pause bar processing\n")
	fmt.Fprintf(os.Stderr, "  session resume             Resume bar processing\n")
	fmt.Fprintf(os.Stderr, "  data session [REFRESH_S]   Print the session snapshot, repeating every REFRESH_S seconds\n")
	fmt.Fprintf(os.Stderr, "  data add-symbol SYMBOL     Provision a symbol mid-session\n")
	fmt.Fprintf(os.Stderr, "  data remove-symbol SYMBOL  Drop a dynamically added symbol\n")
	fmt.Fprintf(os.Stderr, "  data list-dynamic          List dynamically added symbols\n")
	fmt.Fprintf(os.Stderr, "  calendar refresh           Fetch upcoming market days (live)\n")
	fmt.Fprintf(os.Stderr, "  config validate [FILE]     Check a configuration file locally\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	server := flag.String("server", envOr("MARKETD_SERVER", "http://127.0.0.1:8420"), "marketd server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	if args[0] == "version" {
		fmt.Printf("marketctl %s\n", version)
		return
	}

	client := marketd.NewClient(*server)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := dispatch(ctx, client, args)
	if err != nil {
		if _, usageErr := err.(*usageError); usageErr {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			usage()
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "marketctl: %v\n", err)
		if errors.Is(err, errValidation) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func dispatch(ctx context.Context, client *marketd.Client, args []string) error {
	switch args[0] {
	case "system":
		if len(args) < 2 {
			return &usageError{"system requires a subcommand"}
		}
		switch args[1] {
		case "start":
			if err := client.StartSystem(ctx); err != nil {
				return err
			}
			fmt.Println("started")
			return nil
		case "stop":
			if err := client.StopSystem(ctx); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		case "status":
			st, err := client.GetSystemStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		}
		return &usageError{fmt.Sprintf("unknown system subcommand %q", args[1])}

	case "session":
		if len(args) < 2 {
			return &usageError{"session requires a subcommand"}
		}
		switch args[1] {
		case "status":
			fs := flag.NewFlagSet("session status", flag.ContinueOnError)
			full := fs.Bool("full", false, "include every stored bar")
			if err := fs.Parse(args[2:]); err != nil {
				return &usageError{err.Error()}
			}
			raw, err := client.GetSessionStatus(ctx, *full)
			if err != nil {
				return err
			}
			return printRaw(raw)
		case "pause":
			if err := client.Pause(ctx); err != nil {
				return err
			}
			fmt.Println("paused")
			return nil
		case "resume":
			if err := client.Resume(ctx); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		}
		return &usageError{fmt.Sprintf("unknown session subcommand %q", args[1])}

	case "data":
		if len(args) < 2 {
			return &usageError{"data requires a subcommand"}
		}
		switch args[1] {
		case "session":
			refresh := 0
			if len(args) > 3 {
				return &usageError{"data session takes at most one REFRESH_S"}
			}
			if len(args) == 3 {
				n, err := strconv.Atoi(args[2])
				if err != nil || n < 1 {
					return &usageError{fmt.Sprintf("invalid refresh interval %q", args[2])}
				}
				refresh = n
			}
			if refresh == 0 {
				raw, err := client.GetSessionStatus(ctx, false)
				if err != nil {
					return err
				}
				return printRaw(raw)
			}
			for {
				reqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				raw, err := client.GetSessionStatus(reqCtx, false)
				cancel()
				if err != nil {
					return err
				}
				if err := printRaw(raw); err != nil {
					return err
				}
				time.Sleep(time.Duration(refresh) * time.Second)
			}
		case "add-symbol":
			if len(args) != 3 {
				return &usageError{"add-symbol requires exactly one SYMBOL"}
			}
			added, err := client.AddSymbol(ctx, args[2])
			if err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", added.Symbol, added.AddedBy)
			return nil
		case "remove-symbol":
			if len(args) != 3 {
				return &usageError{"remove-symbol requires exactly one SYMBOL"}
			}
			if err := client.RemoveSymbol(ctx, args[2]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[2])
			return nil
		case "list-dynamic":
			syms, err := client.ListDynamicSymbols(ctx)
			if err != nil {
				return err
			}
			if len(syms) == 0 {
				fmt.Println("no dynamic symbols")
				return nil
			}
			for _, s := range syms {
				fmt.Printf("%-8s %s\n", s.Symbol, s.AddedBy)
			}
			return nil
		}
		return &usageError{fmt.Sprintf("unknown data subcommand %q", args[1])}

	case "config":
		if len(args) < 2 || args[1] != "validate" {
			return &usageError{"config requires the validate subcommand"}
		}
		path := "config/marketd.yaml"
		if len(args) == 3 {
			path = args[2]
		}
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("%w: config invalid: %v", errValidation, err)
		}
		fmt.Printf("%s: ok\n", path)
		return nil

	case "calendar":
		if len(args) < 2 || args[1] != "refresh" {
			return &usageError{"calendar requires the refresh subcommand"}
		}
		n, err := client.RefreshCalendar(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("refreshed %d market days\n", n)
		return nil
	}
	return &usageError{fmt.Sprintf("unknown command %q", args[0])}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printRaw(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	return printJSON(buf)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
