package core

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ExpiryScanner periodically sweeps overdue PENDING sessions into EXPIRED.
// The sweep is idempotent, so a missed tick is caught up by the next one.
type ExpiryScanner struct {
	reg      *Registry
	interval time.Duration
	log      log.Logger

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// NewExpiryScanner creates a scanner with the given sweep interval.
func NewExpiryScanner(reg *Registry, interval time.Duration) *ExpiryScanner {
	return &ExpiryScanner{
		reg:      reg,
		interval: interval,
		log:      log.New("component", "expiry"),
	}
}

// Start launches the sweep loop. Idempotent.
func (s *ExpiryScanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.quit, s.done)
	s.log.Info("Expiry scanner started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
// Idempotent.
func (s *ExpiryScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit, done := s.quit, s.done
	s.mu.Unlock()

	close(quit)
	<-done
	s.log.Info("Expiry scanner stopped")
}

func (s *ExpiryScanner) loop(quit chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if n := s.reg.ExpireDue(time.Now().UTC()); n > 0 {
				s.log.Debug("Swept expired sessions", "count", n)
			}
		}
	}
}
