// Command chanrpc-demo hosts one end of a chanrpc Channel over a real
// websocket substrate, standing in for "the hosting document" the core
// library assumes is out of scope. It binds a couple of demonstration
// methods and logs every handshake/call event to the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/ansi"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sammck-go/logger"

	termutil "github.com/andrew-d/go-termutil"

	"github.com/bridgewire/chanrpc/pkg/chanrpc"
	"github.com/bridgewire/chanrpc/pkg/substrate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chanrpc-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultDemoConfig()

	configPath := flag.String("config", "", "path to a TOML config file")
	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, `"server" or "client"`)
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (server mode)")
	flag.StringVar(&cfg.Path, "path", cfg.Path, "websocket upgrade path (server mode)")
	flag.StringVar(&cfg.URL, "url", cfg.URL, "websocket URL to dial (client mode)")
	flag.StringVar(&cfg.Origin, "origin", cfg.Origin, `peer origin to accept, or "*"`)
	flag.StringVar(&cfg.Scope, "scope", cfg.Scope, "method namespace for this Channel")
	flag.StringVar(&cfg.Identity, "identity", cfg.Identity, "this side's own identity string")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable the per-frame debug trace log")
	flag.DurationVar(&cfg.DialRetry, "dial-retry", cfg.DialRetry, "max backoff between dial attempts (client mode)")
	flag.Parse()

	if *configPath != "" {
		if err := loadFileConfig(*configPath, &cfg); err != nil {
			return err
		}
		// Flags passed explicitly on this invocation still win over the file.
		reapplyExplicitFlags(&cfg)
	}
	if cfg.Identity == "" {
		cfg.Identity = fmt.Sprintf("chanrpc-demo-%s-%d", cfg.Mode, os.Getpid())
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	chanrpc.SetLogger(log)

	if *configPath != "" {
		watchConfig(*configPath, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sub, peer, err := buildSubstrate(ctx, cfg, log)
	if err != nil {
		return err
	}

	ch, err := chanrpc.Build(chanrpc.Config{
		Peer:      peer,
		Substrate: sub,
		Origin:    cfg.Origin,
		Scope:     cfg.Scope,
		Debug:     cfg.Debug,
		OnReady: func(c *chanrpc.Channel) {
			log.ILogf("%s: handshake complete, channel ready", c.Identity())
		},
	})
	if err != nil {
		return fmt.Errorf("build channel: %w", err)
	}
	defer ch.Destroy()

	bindDemoMethods(ch, log)

	log.ILogf("chanrpc-demo running in %s mode as %q", cfg.Mode, cfg.Identity)
	<-ctx.Done()
	log.ILogf("shutting down")
	return nil
}

// reapplyExplicitFlags re-wins any flag the user actually typed on this
// invocation over whatever the config file just set, since flag.Parse()
// already applied flag defaults into cfg before the file was loaded and
// there is no way to tell "default value" from "user passed this value"
// after the fact other than walking flag.Visit before the file load stomps
// on it. flag.Visit visits only flags actually set on the command line.
func reapplyExplicitFlags(cfg *demoConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = f.Value.String()
		case "addr":
			cfg.Addr = f.Value.String()
		case "path":
			cfg.Path = f.Value.String()
		case "url":
			cfg.URL = f.Value.String()
		case "origin":
			cfg.Origin = f.Value.String()
		case "scope":
			cfg.Scope = f.Value.String()
		case "identity":
			cfg.Identity = f.Value.String()
		case "debug":
			cfg.Debug = f.Value.String() == "true"
		case "dial-retry":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.DialRetry = d
			}
		}
	})
}

// watchConfig logs a notice when the config file is written or recreated on
// disk (§"Configuration" of the ambient stack). It does not reapply the new
// settings; they take effect on the next start.
func watchConfig(path string, log logger.Logger) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.WLogf("config watch disabled: %s", err)
		return
	}
	if err := w.Add(path); err != nil {
		log.WLogf("config watch disabled: %s", err)
		w.Close()
		return
	}
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.ILogf("config file %s changed on disk (restart to apply)", path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WLogf("config watch error: %s", err)
			}
		}
	}()
}

// buildLogger wires a sammck-go/logger.Logger to stderr, colorized when
// stderr is a real terminal. go-isatty/go-termutil independently confirm
// terminal-ness for two different streams (stderr for the "should we
// colorize" decision, stdin for "are we attached to an interactive
// session"); go-colorable makes the ANSI codes below render on Windows
// consoles too; ansi.Strip removes them again when writing to a
// non-terminal so a redirected log file never carries raw escape bytes.
func buildLogger(cfg demoConfig) (logger.Logger, error) {
	interactive := termutil.Isatty(os.Stdin.Fd())
	out := os.Stderr
	var w = colorable.NewColorable(out)

	level := logger.LogLevelInfo
	if cfg.Debug {
		level = logger.LogLevelDebug
	}

	prefix := "chanrpc-demo"
	if interactive && isatty.IsTerminal(out.Fd()) {
		prefix = ansiColor(ansi.Blue, prefix)
	} else {
		w = plainWriter{out}
	}

	return logger.New(
		logger.WithWriter(w),
		logger.WithLogLevel(level),
		logger.WithPrefix(prefix),
	)
}

// plainWriter strips ANSI escapes before writing, for non-terminal output
// (redirected to a file, piped to another process).
type plainWriter struct{ w *os.File }

func (p plainWriter) Write(b []byte) (int, error) {
	stripped := ansi.Strip(string(b))
	if _, err := p.w.WriteString(stripped); err != nil {
		return 0, err
	}
	return len(b), nil
}

func ansiColor(code ansi.Attribute, s string) string {
	return string(code) + s + string(ansi.Reset)
}

// buildSubstrate constructs the one concrete Substrate this process uses,
// per cfg.Mode, and resolves the chanrpc.Peer handle for the other side.
func buildSubstrate(ctx context.Context, cfg demoConfig, log logger.Logger) (chanrpc.Substrate, chanrpc.Peer, error) {
	switch cfg.Mode {
	case "server":
		ws, err := substrate.NewWebsocketServer(log, cfg.Addr, cfg.Path, cfg.Identity)
		if err != nil {
			return nil, nil, fmt.Errorf("start websocket server: %w", err)
		}
		peer, err := ws.RemotePeer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("wait for peer: %w", err)
		}
		return ws, peer, nil
	case "client":
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("client mode requires -url")
		}
		ws, err := substrate.NewWebsocketClient(ctx, log, cfg.URL, cfg.Identity, cfg.Identity, cfg.DialRetry)
		if err != nil {
			return nil, nil, fmt.Errorf("dial websocket server: %w", err)
		}
		peer, err := ws.RemotePeer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("wait for peer: %w", err)
		}
		return ws, peer, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q (want \"server\" or \"client\")", cfg.Mode)
	}
}

// bindDemoMethods registers the handful of methods this process answers:
// echo (round-trips its params) and now (returns the current server time),
// exercising the ordinary request/response path end to end.
func bindDemoMethods(ch *chanrpc.Channel, log logger.Logger) {
	_ = ch.Bind("echo", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		return params, nil
	})
	_ = ch.Bind("now", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
	log.DLogf("bound demo methods: echo, now")
}
