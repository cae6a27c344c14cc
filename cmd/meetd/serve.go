package main

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/connsession"
	"github.com/meetsync/meetd/internal/lockfile"
	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/meetregistry"
	"github.com/meetsync/meetd/internal/ratelimit"
	"github.com/meetsync/meetd/internal/serverconfig"
	"github.com/meetsync/meetd/internal/sessionregistry"
)

const cleanupInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the meetd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults := serverconfig.Defaults()
		v := serverconfig.NewViper(cfgFile, defaults)
		cfg := serverconfig.Load(cmd, v)

		log := logging.New("meetd", logging.ParseLevel(cfg.LogLevel))

		shutdownOTel, err := setupOTel(rootCtx, cfg.OTelExporterTarget)
		if err != nil {
			return err
		}
		defer func() { _ = shutdownOTel(context.Background()) }()

		dirLock, err := lockfile.AcquireDataDirLock(cfg.DataDir, 5*time.Second)
		if err != nil {
			return err
		}
		defer dirLock.Release()

		store, err := appendlog.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}

		meets := meetregistry.New(store, log, cfg.RelayBuffer)
		sessions := sessionregistry.New(cfg.SessionTTL, cfg.IdleTTL, log)
		limiter := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax)

		stopCleanup := make(chan struct{})
		go sessions.RunCleanupLoop(rootCtx, cleanupInterval, stopCleanup)

		serverconfig.WatchAndReload(v, cmd, log, func(newCfg serverconfig.Config) {
			log.Infof("reloaded config: log-level=%s", newCfg.LogLevel)
		})

		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			return err
		}
		log.Infof("listening on %s, data dir %s", cfg.BindAddr, cfg.DataDir)

		go func() {
			<-rootCtx.Done()
			close(stopCleanup)
			_ = ln.Close()
		}()

		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-rootCtx.Done():
					return meets.Shutdown(context.Background())
				default:
					log.Warnf("accept: %v", err)
					continue
				}
			}
			go serveConn(rootCtx, conn, meets, sessions, cfg, limiter, log)
		}
	},
}

// serveConn reads newline-delimited JSON frames from one TCP connection
// and dispatches each through a connsession.Conn, writing responses back
// in order via a dedicated writer goroutine draining Conn.Outbox.
func serveConn(ctx context.Context, netConn net.Conn, meets *meetregistry.Registry, sessions *sessionregistry.Registry, cfg serverconfig.Config, limiter *ratelimit.Limiter, log *logging.Logger) {
	defer netConn.Close()

	remoteIP := remoteIPOf(netConn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := connsession.New(meets, sessions, cfg.Password, log, cfg.Debug)
	defer conn.Close()

	go func() {
		for frame := range conn.Outbox() {
			frame = append(frame, '\n')
			if _, err := netConn.Write(frame); err != nil {
				cancel()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !limiter.Allow(remoteIP) {
			continue
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		conn.Handle(connCtx, frame)
	}
}

func remoteIPOf(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}
