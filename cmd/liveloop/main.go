// Command liveloop plays live-coded files, forwards them to an already
// running player, or serves editors over the Language Server Protocol.
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
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/drblury/liveloop"
)

var version = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("liveloop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: liveloop [-config file] <command> [options] [files...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  play [-compiler n] [-poll d] files  # Play files and re-run them on save\n")
		fmt.Fprintf(stderr, "  send files                          # Forward files to the running player\n")
		fmt.Fprintf(stderr, "  lsp                                 # Serve editors on stdin/stdout\n")
		fmt.Fprintf(stderr, "  version                             # Print the version\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment variables prefixed with LIVELOOP_ override configuration keys.\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	if command == "version" {
		fmt.Fprintln(stdout, version)
		return exitOK
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitUsage
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitUsage
	}

	switch command {
	case "play":
		return runPlay(ctx, &cfg, logger, rest, stdout, stderr)
	case "send":
		return runSend(ctx, &cfg, rest, stdout, stderr)
	case "lsp":
		return runLSP(ctx, &cfg, logger, stderr)
	}
	fmt.Fprintf(stderr, "liveloop: unknown command %q\n", command)
	fs.Usage()
	return exitUsage
}

func loadConfig(path string) (liveloop.Config, error) {
	cfg := liveloop.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = liveloop.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, liveloop.ValidateConfig(&cfg)
}

func newLogger(cfg liveloop.Config, w io.Writer) (liveloop.ServiceLogger, error) {
	level, err := liveloop.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	handler, err := liveloop.NewLogHandler(w, cfg.LogFormat, level)
	if err != nil {
		return nil, err
	}
	return liveloop.NewSlogServiceLogger(slog.New(handler)), nil
}

func runPlay(ctx context.Context, cfg *liveloop.Config, logger liveloop.ServiceLogger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.SetOutput(stderr)
	compiler := fs.Int("compiler", -1, "compiler for every file: 0=scripted sound, 1=native sound, 2=shader, 3=script")
	poll := fs.Duration("poll", time.Second, "how often files are checked for changes")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(stderr, "liveloop: play needs at least one file")
		return exitUsage
	}

	var opts liveloop.PlayerOptions
	opts.Logger = logger
	opts.PollInterval = *poll
	if *compiler >= 0 {
		kind, ok := liveloop.ParseWorkerKind(*compiler)
		if !ok {
			fmt.Fprintf(stderr, "liveloop: unknown compiler %d\n", *compiler)
			return exitUsage
		}
		opts.Compiler = &kind
	}

	var bootSrv *liveloop.BootServer
	if cfg.BootSocket != "" {
		srv, err := liveloop.ListenBoot(cfg.BootSocket, logger)
		switch {
		case errors.Is(err, liveloop.ErrAlreadyRunning):
			logger.Info("Forwarding to running player", liveloop.LogFields{"socket": cfg.BootSocket})
			return forward(ctx, cfg.BootSocket, files, stdout, stderr)
		case err != nil:
			fmt.Fprintf(stderr, "liveloop: %v\n", err)
			return exitError
		}
		bootSrv = srv
		defer bootSrv.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := liveloop.NewService(ctx, cfg, logger, liveloop.ServiceDependencies{})
	if err != nil {
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitError
	}
	defer svc.Close()

	started := make(chan error, 1)
	go func() { started <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
	case err := <-started:
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitError
	case <-ctx.Done():
		<-started
		return exitOK
	}

	// Streams written to stdout must not be interleaved with the listing.
	if cfg.AudioOutput == "-" || cfg.FrameOutput == "-" {
		stdout = io.Discard
	}
	player := liveloop.NewPlayer(svc.Registry(), opts)
	for _, path := range files {
		id, err := player.Open(ctx, path, true)
		if err != nil {
			logger.Error("Failed to open file", err, liveloop.LogFields{"file": path})
			continue
		}
		fmt.Fprintf(stdout, "%d\t%s\n", id, path)
	}
	if bootSrv != nil {
		go func() {
			if err := bootSrv.Serve(ctx, player.HandleBoot); err != nil {
				logger.Error("Boot socket stopped", err, nil)
			}
		}()
	}

	code := exitOK
	if err := <-started; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped with error", err, nil)
		code = exitError
	}
	cancel()
	player.Wait()
	return code
}

func runSend(ctx context.Context, cfg *liveloop.Config, files []string, stdout, stderr io.Writer) int {
	if cfg.BootSocket == "" {
		fmt.Fprintln(stderr, "liveloop: send needs boot_socket to be configured")
		return exitUsage
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "liveloop: send needs at least one file")
		return exitUsage
	}
	return forward(ctx, cfg.BootSocket, files, stdout, stderr)
}

func forward(ctx context.Context, socket string, files []string, stdout, stderr io.Writer) int {
	code := exitOK
	for _, path := range files {
		resp, err := liveloop.ForwardBoot(ctx, socket, liveloop.BootRequest{
			Action: liveloop.BootActionRun,
			Path:   path,
		})
		if err != nil {
			fmt.Fprintf(stderr, "liveloop: %s: %v\n", path, err)
			code = exitError
			continue
		}
		fmt.Fprintf(stdout, "%d\t%s\n", resp.Instance, path)
	}
	return code
}

// runLSP owns stdout for the protocol; logs and program output go elsewhere.
func runLSP(ctx context.Context, cfg *liveloop.Config, logger liveloop.ServiceLogger, stderr io.Writer) int {
	if cfg.AudioOutput == "-" || cfg.FrameOutput == "-" {
		fmt.Fprintln(stderr, "liveloop: lsp serves on stdout; audio_output and frame_output cannot be \"-\"")
		return exitUsage
	}
	commonlog.Configure(lspVerbosity(cfg.LogLevel), nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := liveloop.NewLSPServer(version)
	svc, err := liveloop.NewService(ctx, cfg, logger, liveloop.ServiceDependencies{UI: server})
	if err != nil {
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitError
	}
	defer svc.Close()

	started := make(chan error, 1)
	go func() { started <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
	case err := <-started:
		fmt.Fprintf(stderr, "liveloop: %v\n", err)
		return exitError
	}

	server.Attach(svc.Registry())
	code := exitOK
	if err := server.RunStdio(); err != nil {
		logger.Error("Language server stopped", err, nil)
		code = exitError
	}
	cancel()
	<-started
	return code
}

func lspVerbosity(level string) int {
	switch level {
	case "trace":
		return 3
	case "debug":
		return 2
	case "warn", "warning", "error":
		return 0
	}
	return 1
}
