package ingest

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"sentinel-core/internal/config"
)

// UDPServer receives NetFlow datagrams. NetFlow exporters speak plain
// UDP; the datagrams carry no payloads, only flow metadata.
type UDPServer struct {
	cfg       config.NetFlowConfig
	parser    Parser
	publisher *Publisher
	logger    *slog.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup
	done chan struct{}
}

// NewUDPServer creates a NetFlow UDP listener.
func NewUDPServer(cfg config.NetFlowConfig, parser Parser, publisher *Publisher, logger *slog.Logger) *UDPServer {
	return &UDPServer{
		cfg:       cfg,
		parser:    parser,
		publisher: publisher,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start binds the socket and starts the receive loop.
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(s.cfg.BufferSize); err != nil {
		s.logger.Warn("failed to set UDP read buffer", "error", err)
	}
	s.conn = conn

	s.logger.Info("netflow listener started", "address", s.cfg.Address)

	s.wg.Add(1)
	go s.receiver(ctx)
	return nil
}

func (s *UDPServer) receiver(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("udp read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.publisher.Ingest(ctx, s.parser, data, remote.IP.String())
	}
}

// Stop closes the socket and waits for the receiver.
func (s *UDPServer) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("netflow listener stopped")
}
