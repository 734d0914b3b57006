package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"sentinel-core/internal/config"
)

var (
	// ErrDTLSCertRequired is returned when no certificate is configured
	// and insecure fallback is not allowed.
	ErrDTLSCertRequired = errors.New("DTLS requires certificate and key")
	// ErrDTLSClientCertRequired is returned when mutual TLS is requested
	// without a CA certificate.
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServer receives host-sensor events over DTLS. Host events cross
// untrusted networks and may carry sensitive endpoint data, so the
// default posture is encrypted with optional mutual TLS.
type DTLSServer struct {
	cfg       config.HostEventConfig
	parser    Parser
	publisher *Publisher
	logger    *slog.Logger

	listener net.Listener
	udpConn  *net.UDPConn
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewDTLSServer creates a host-event DTLS listener.
func NewDTLSServer(cfg config.HostEventConfig, parser Parser, publisher *Publisher, logger *slog.Logger) (*DTLSServer, error) {
	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	return &DTLSServer{
		cfg:       cfg,
		parser:    parser,
		publisher: publisher,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting sensors.
func (s *DTLSServer) Start(ctx context.Context) error {
	if s.cfg.AllowInsecure && (s.cfg.CertFile == "" || s.cfg.KeyFile == "") {
		return s.startInsecure(ctx)
	}
	return s.startSecure(ctx)
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		},
	}

	if s.cfg.RequireClientCert {
		caData, err := os.ReadFile(s.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("failed to parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("host event listener started",
		"address", s.cfg.Address,
		"mutual_tls", s.cfg.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSServer) startInsecure(ctx context.Context) error {
	s.logger.Warn("SECURITY WARNING: host event listener running without encryption",
		"address", s.cfg.Address,
	)

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go s.insecureReceiver(ctx)
	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("DTLS accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := "unknown"
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		remote = addr.IP.String()
	}

	buf := make([]byte, s.cfg.MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.publisher.Ingest(ctx, s.parser, data, remote)
	}
}

func (s *DTLSServer) insecureReceiver(ctx context.Context) {
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

		s.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.publisher.Ingest(ctx, s.parser, data, remote.IP.String())
	}
}

// Stop closes the listener and waits for handlers.
func (s *DTLSServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
	s.logger.Info("host event listener stopped")
}
