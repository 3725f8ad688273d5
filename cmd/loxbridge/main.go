package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"codeberg.org/mutker/loxbridge/internal/bridge"
	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/fetch"
	"codeberg.org/mutker/loxbridge/internal/logger"
	"codeberg.org/mutker/loxbridge/internal/pid"
	"codeberg.org/mutker/loxbridge/internal/session"
	"codeberg.org/mutker/loxbridge/internal/writer"
)

const sftpPort = 22

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		logger.SetLogLevel(logLevel(cfg.LogLevel))
	}
	logger.Debug().Msg("Config loaded")
}

func logLevel(name string) logger.LogLevel {
	switch name {
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

func main() {
	if err := pid.Write(); err != nil {
		logger.FatalWithCode(asCoded(err)).Msg("failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.ErrorWithCode(asCoded(err)).Msg("bridge terminated")
		pid.Remove()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	out, err := writer.New(cfg.Output)
	if err != nil {
		return err
	}

	transfer, err := fetch.DialSFTP(
		net.JoinHostPort(cfg.Miniserver.Host, strconv.Itoa(sftpPort)),
		cfg.Miniserver.Username,
		cfg.Miniserver.Password,
	)
	if err != nil {
		return err
	}
	defer transfer.Close()

	probe := fetch.NewHTTPProbe(
		cfg.Miniserver.Host,
		cfg.Miniserver.Port,
		cfg.Miniserver.Username,
		cfg.Miniserver.Password,
	)
	fetcher := fetch.New(transfer, probe, cfg.Paths.DataDir)

	sess := session.NewWSClient(session.Config{
		Host:                 cfg.Miniserver.Host,
		Port:                 cfg.Miniserver.Port,
		Username:             cfg.Miniserver.Username,
		Password:             cfg.Miniserver.Password,
		MaxReconnectAttempts: cfg.Miniserver.MaxReconnectAttempts,
	})

	return bridge.New(cfg, sess, out, fetcher).Run(ctx)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func asCoded(err error) errors.Error {
	var coded errors.Error
	if errors.As(err, &coded) {
		return coded
	}

	return errors.New().Wrap(errors.ErrInternal, err)
}
