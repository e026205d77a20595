package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/utils"
)

// ConnPool manages gRPC connections to data-plane agents, one per endpoint
type ConnPool struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	logger *logging.Logger

	// Health check configuration
	healthCheckInterval time.Duration
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	closed              bool
	closeMu             sync.Mutex
}

// NewConnPool creates a new agent connection pool
func NewConnPool(logger *logging.Logger, healthCheckInterval time.Duration) *ConnPool {
	if healthCheckInterval <= 0 {
		healthCheckInterval = utils.AgentHealthCheckInterval
	}

	pool := &ConnPool{
		conns:               make(map[string]*grpc.ClientConn),
		logger:              logger,
		healthCheckInterval: healthCheckInterval,
		stopCh:              make(chan struct{}),
	}

	// Start background health checker
	pool.wg.Add(1)
	go pool.healthCheckLoop()

	return pool
}

// Get gets or creates a connection to an agent endpoint
func (p *ConnPool) Get(endpoint string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, exists := p.conns[endpoint]
	p.mu.RUnlock()

	if exists {
		// Check if connection is still healthy
		state := conn.GetState()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			// Connection is unhealthy, remove and recreate
			p.Remove(endpoint)
		} else {
			return conn, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := p.conns[endpoint]; exists {
		state := conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, endpoint)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(1024*1024*4), // state dumps stay small
		),
	}

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent connection: %w", err)
	}

	p.conns[endpoint] = conn
	p.logger.Debug("Created new agent connection", "endpoint", endpoint)

	return conn, nil
}

// Remove closes and removes a connection from the pool
func (p *ConnPool) Remove(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.conns[endpoint]; exists {
		_ = conn.Close()
		delete(p.conns, endpoint)
		p.logger.Debug("Removed agent connection", "endpoint", endpoint)
	}
}

// healthCheckLoop periodically checks connection health
func (p *ConnPool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkConnections()
		}
	}
}

// checkConnections drops connections in terminal states and nudges idle ones
func (p *ConnPool) checkConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for endpoint, conn := range p.conns {
		state := conn.GetState()

		switch state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			_ = conn.Close()
			delete(p.conns, endpoint)
			p.logger.Warn("Removed unhealthy agent connection",
				"endpoint", endpoint,
				"state", state.String())

		case connectivity.Idle:
			ctx, cancel := context.WithTimeout(context.Background(), utils.AgentRequestTimeout)
			conn.Connect()
			if !conn.WaitForStateChange(ctx, connectivity.Idle) {
				p.logger.Debug("Agent connection idle, attempting reconnect", "endpoint", endpoint)
			}
			cancel()
		}
	}
}

// Count returns the number of pooled connections
func (p *ConnPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close closes all connections and stops the health checker
func (p *ConnPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for endpoint, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("Failed to close agent connection", "endpoint", endpoint, "error", err)
		}
	}

	p.conns = make(map[string]*grpc.ClientConn)
	p.logger.Info("Closed all agent connections")
}
