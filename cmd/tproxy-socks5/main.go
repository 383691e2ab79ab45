// Command tproxy-socks5 is the daemon entrypoint (spec.md 6.1): it loads a
// YAML config, starts the worker pool, and waits for SIGINT/SIGTERM to
// trigger a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tproxysocks5/internal/config"
	"tproxysocks5/internal/logx"
	"tproxysocks5/internal/worker"
)

const version = "1.0.0"

var log = logx.New(logx.WithPrefix("main"))

// Exit codes (spec.md 6.1): 0 normal stop, -1 bad args, -2 config parse
// failure, -5 tproxy/worker init failure.
const (
	exitOK            = 0
	exitBadArgs       = -1
	exitConfigFailure = -2
	exitInitFailure   = -5
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		printHelp()
		return exitBadArgs
	}
	switch os.Args[1] {
	case "-h", "--help", "help":
		printHelp()
		return exitOK
	}

	cfg, path, err := config.Load(os.Args[1])
	if err != nil {
		log.Errorf("load config: %v", err)
		return exitConfigFailure
	}
	logx.SetLevel(logx.ParseLevel(cfg.Misc.LogLevel))
	if cfg.Misc.LogFile != "" {
		f, err := os.OpenFile(cfg.Misc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warnf("open log file %s: %v", cfg.Misc.LogFile, err)
		} else {
			defer f.Close()
			logx.SetOutput(f)
		}
	}
	if cfg.Misc.PidFile != "" {
		if err := writePidFile(cfg.Misc.PidFile); err != nil {
			log.Warnf("write pid file %s: %v", cfg.Misc.PidFile, err)
		}
	}
	log.Infof("loaded config from %s", path)

	// SIGPIPE on a socket fd is already ignored by the Go runtime, so there's
	// nothing to wire up here the way hev-main.c explicitly does with signal().
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl := worker.NewController(ctx, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- ctl.Run() }()

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received, stopping workers")
		stop()
		ctl.Stop(time.Duration(cfg.Misc.ReadWriteTimeout) * time.Millisecond)
		<-errCh
		log.Infof("stopped")
		return exitOK
	case err := <-errCh:
		if err != nil {
			log.Errorf("worker pool failed: %v", err)
			return exitInitFailure
		}
		return exitOK
	}
}

func printHelp() {
	fmt.Printf("tproxy-socks5 CONFIG_PATH\nVersion: %s\n", version)
}

// writePidFile writes the running process's PID, spec.md 6.5's single-line
// persisted state.
func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
