package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
)

// TLSConfig holds the TLS configuration for the server.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
}

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.serve(ln, "", errCh)
	return errCh
}

// StartAsyncTLS is the TLS-enabled version of StartAsync. Clients then
// connect with wss:// and https://.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	tlsLn := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	s.serve(tlsLn, " (TLS enabled)", errCh)
	return errCh
}

func (s *Server) serve(ln net.Listener, note string, errCh chan<- error) {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler: s.createMux(),
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go s.polls.reapLoop()

	go func() {
		log.Printf("Relay listening on %s%s", ln.Addr(), note)
		errCh <- nil
		close(errCh)

		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Relay server error: %v", err)
		}
	}()
}

// Stop shuts down the server. Every client gets a close frame; the
// long-poll reaper exits.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame when it sees done closed.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	httpServer := s.httpServer
	s.mu.Unlock()

	s.polls.closeAll()

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}
