// Command anytalkd is the local speech-recognition daemon: it keeps a
// hot-spare WebSocket connection to the ASR endpoint, owns the persistent
// microphone capture stream, and serves clients over a Unix-domain socket.
//
// Bootstrap sequence grounded on original_source/anytalk-daemon/src/main.rs
// (config load, socket takeover probe, maintainer + audio startup order,
// signal handling, socket cleanup), wired up in the teacher's
// cmd/server/main.go style (flag-free here, but the same
// _ = godotenv.Load() plus explicit top-level error handling instead of a
// framework).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"anytalk-daemon/pkg/asrpool"
	"anytalk-daemon/pkg/audio"
	"anytalk-daemon/pkg/ipc"
)

const logPath = "/tmp/anytalk-daemon.log"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	logger, closeLog, err := setupLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "anytalkd: failed to open log file: %v\n", err)
		return 1
	}
	defer closeLog()

	logger.Info("--------------------------------------------------------------------------------")
	logger.Info("anytalk-daemon started", "log_path", logPath)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("startup config error", "err", err)
		return 1
	}

	sockPath := socketPath()
	if err := takeOverSocket(sockPath, logger); err != nil {
		if err == errAlreadyRunning {
			logger.Info("anytalk-daemon already running; exiting")
			return 0
		}
		logger.Error("socket takeover failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := asrpool.New(cfg, logger)
	go pool.Run(ctx)

	stream, err := audio.Start(logger)
	if err != nil {
		logger.Error("failed to start audio capture", "err", err)
		return 1
	}
	defer stream.Close()

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		logger.Error("failed to bind socket", "path", sockPath, "err", err)
		return 1
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		logger.Warn("failed to chmod socket", "err", err)
	}
	defer os.Remove(sockPath)

	logger.Info("anytalk-daemon listening", "path", sockPath)

	go acceptLoop(ctx, listener, pool, stream.Controller(), cfg, logger)

	<-ctx.Done()
	logger.Info("shutting down", "cause", context.Cause(ctx))
	listener.Close()

	return 0
}

func acceptLoop(ctx context.Context, listener net.Listener, pool *asrpool.Pool, audioController *audio.Controller, cfg asrpool.Config, logger *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("accept error", "err", err)
			return
		}
		go func() {
			handler := ipc.NewHandler(conn, pool, audioController, cfg, logger)
			handler.Serve(ctx)
			logger.Info("client handler finished")
		}()
	}
}

func setupLogger() (*slog.Logger, func() error, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), f.Close, nil
}

func loadConfig() (asrpool.Config, error) {
	appID := os.Getenv("ANYTALK_APP_ID")
	accessToken := os.Getenv("ANYTALK_ACCESS_TOKEN")
	if appID == "" || accessToken == "" {
		return asrpool.Config{}, fmt.Errorf("ANYTALK_APP_ID and ANYTALK_ACCESS_TOKEN are required")
	}

	resourceID := os.Getenv("ANYTALK_RESOURCE_ID")
	if resourceID == "" {
		resourceID = "volc.seedasr.sauc.duration"
	}
	mode := os.Getenv("ANYTALK_MODE")
	if mode == "" {
		mode = "bidi_async"
	}

	return asrpool.Config{
		AppID:       appID,
		AccessToken: accessToken,
		ResourceID:  resourceID,
		Mode:        mode,
	}, nil
}

func socketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "anytalk.sock")
	}
	if uid := os.Getuid(); uid >= 0 {
		return filepath.Join("/run/user", strconv.Itoa(uid), "anytalk.sock")
	}
	return "/tmp/anytalk.sock"
}

var errAlreadyRunning = fmt.Errorf("another daemon instance is running")

// takeOverSocket probes an existing socket file up to 5 times, 200ms apart.
// A successful connect means a live daemon owns it. Any connect failure is
// treated as stale: the file is removed so the caller can bind fresh.
func takeOverSocket(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			if attempt == 0 {
				logger.Warn("another daemon is running; waiting briefly to see if it exits")
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		logger.Info("removing stale socket file", "path", path, "connect_err", err)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return errAlreadyRunning
}
