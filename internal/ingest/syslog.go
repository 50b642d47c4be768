package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"honeyguard/internal/config"
)

// StartSyslog listens for key=value or JSON activity lines relayed by syslog
// daemons, over UDP and TCP.
func StartSyslog(ctx context.Context, cfg *config.Manager, submitter *Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr)
	}
	if current.UDPAddr != "" {
		go listenUDP(ctx, current.UDPAddr, submitter, logger)
	}
	if current.TCPAddr != "" {
		go listenTCP(ctx, current.TCPAddr, submitter, logger)
	}
}

func listenUDP(ctx context.Context, addr string, submitter *Submitter, logger *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp listen error", "err", err)
		}
		return
	}
	defer conn.Close()
	parser := NewParser()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if logger != nil {
				logger.Warn("syslog udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			submitter.submitLine(ctx, parser, stripPriority(line), "syslog", "")
		}
	}
}

func listenTCP(ctx context.Context, addr string, submitter *Submitter, logger *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog tcp listen error", "err", err)
		}
		return
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("syslog tcp accept error", "err", err)
			}
			continue
		}
		go handleStreamConn(ctx, conn, submitter, "syslog", logger)
	}
}

// stripPriority drops a leading "<PRI>" header.
func stripPriority(line string) string {
	if strings.HasPrefix(line, "<") {
		if end := strings.IndexByte(line, '>'); end > 0 && end <= 4 {
			return line[end+1:]
		}
	}
	return line
}
