package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"sentinel-core/internal/config"
)

// TCPServer receives newline-delimited JSON flow summaries from the
// capture sensor. One record per line.
type TCPServer struct {
	cfg       config.JSONFeedConfig
	parser    Parser
	publisher *Publisher
	logger    *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewTCPServer creates a JSON-lines TCP listener.
func NewTCPServer(cfg config.JSONFeedConfig, parser Parser, publisher *Publisher, logger *slog.Logger) *TCPServer {
	return &TCPServer{
		cfg:       cfg,
		parser:    parser,
		publisher: publisher,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start binds the listener and starts the accept loop.
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("pcap feed listener started", "address", s.cfg.Address)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
				s.logger.Debug("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := "unknown"
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = addr.IP.String()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && err != io.EOF {
				s.logger.Debug("feed connection closed", "remote", remote, "error", err)
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		s.publisher.Ingest(ctx, s.parser, data, remote)
	}
}

// Stop closes the listener and waits for open connections.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("pcap feed listener stopped")
}
