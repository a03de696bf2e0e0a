// relayctl talks to the shared channel directly, without going through a
// relay instance.
//
//	relayctl [-config file] publish <message>   publish one message
//	relayctl [-config file] tail [-n count]     print channel messages
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"update-relay/internal/channel"
	"update-relay/internal/config"
	"update-relay/internal/medium"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	// Keep stdout for channel payloads.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	switch args[0] {
	case "publish":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		err = withAdapter(ctx, cfg, logger, func(a *channel.Adapter) error {
			return publish(ctx, a, strings.Join(args[1:], " "))
		})
	case "tail":
		fs := flag.NewFlagSet("tail", flag.ExitOnError)
		count := fs.Int("n", 0, "Exit after this many messages (0 runs until interrupted)")
		fs.Parse(args[1:])
		err = withAdapter(ctx, cfg, logger, func(a *channel.Adapter) error {
			return tail(ctx, a, os.Stdout, *count)
		})
	default:
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: relayctl [-config file] publish <message>\n")
	fmt.Fprintf(os.Stderr, "       relayctl [-config file] tail [-n count]\n")
	flag.PrintDefaults()
}

func withAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*channel.Adapter) error) error {
	dialer, err := medium.Open(cfg.Medium, logger)
	if err != nil {
		return err
	}
	adapter, err := channel.Connect(ctx, dialer, channel.ConfigFrom(cfg), logger, nil)
	if err != nil {
		return err
	}
	defer adapter.Close()
	return fn(adapter)
}

func publish(ctx context.Context, a *channel.Adapter, message string) error {
	if message == "" {
		return errors.New("publish: empty message")
	}
	return a.Publish(ctx, []byte(message))
}

// tail writes one "<channel>\t<payload>" line per message. count > 0 stops
// after that many messages.
func tail(ctx context.Context, a *channel.Adapter, w io.Writer, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := 0
	err := a.OnMessage(ctx, func(name string, payload []byte) {
		if count > 0 && seen >= count {
			return
		}
		fmt.Fprintf(w, "%s\t%s\n", name, payload)
		seen++
		if count > 0 && seen >= count {
			cancel()
		}
	})
	if count > 0 && seen >= count {
		return nil
	}
	return err
}
