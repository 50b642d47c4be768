package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"honeyguard/internal/config"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, submitter *Submitter, logger *slog.Logger) (net.Addr, error) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleStreamConn(ctx, conn, submitter, "tcp_stream", logger)
		}
	}()
	return ln.Addr(), nil
}

// handleStreamConn reads newline separated records until the peer hangs up.
// Each connection gets its own parser so CSV headers do not leak between peers.
func handleStreamConn(ctx context.Context, conn net.Conn, submitter *Submitter, source string, logger *slog.Logger) {
	defer conn.Close()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if source == "syslog" {
			line = stripPriority(line)
		}
		submitter.submitLine(ctx, parser, line, source, "")
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("stream scanner error", "source", source, "err", err)
	}
}
