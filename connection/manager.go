// Package connection tracks live provider streams per client. Each
// connection is keyed clientID:provider:capability and there is at most
// one live connection per key. The manager enforces per-client and global
// quotas, runs health-check and cleanup timers, and feeds lost
// connections to the external recovery worker.
package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "quoteflow/config"
	"quoteflow/internal/stream"
	"quoteflow/logger"
	"quoteflow/models"
)

type managedConnection struct {
	info      models.ConnectionInfo
	transport transport
	cancel    context.CancelFunc
}

// transport is whatever carries the provider stream. Nil for logical
// connections registered without a live socket.
type transport interface {
	Close() error
}

// Manager owns the connection registry. Safe for concurrent use.
type Manager struct {
	config   *appconfig.Config
	hub      *stream.Hub
	oracle   models.RateLimitOracle
	recovery models.RecoveryWorker
	limiter  *rate.Limiter

	mu        sync.RWMutex
	conns     map[string]*managedConnection
	perClient map[string]int

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Log
}

// NewManager wires the registry to its collaborators. The oracle is
// required; the recovery worker may be nil when replay is disabled.
func NewManager(cfg *appconfig.Config, hub *stream.Hub, oracle models.RateLimitOracle, recovery models.RecoveryWorker) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("connection manager requires config")
	}
	if oracle == nil {
		return nil, fmt.Errorf("connection manager requires a rate limit oracle")
	}
	dialRate := cfg.Connection.DialRate
	if dialRate <= 0 {
		dialRate = 5
	}
	burst := cfg.Connection.DialBurst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		config:    cfg,
		hub:       hub,
		oracle:    oracle,
		recovery:  recovery,
		limiter:   rate.NewLimiter(rate.Limit(dialRate), burst),
		conns:     make(map[string]*managedConnection),
		perClient: make(map[string]int),
		log:       logger.GetLogger(),
	}, nil
}

// Key builds the registry key for a client/provider/capability triple.
func Key(clientID, provider, capability string) string {
	return clientID + ":" + provider + ":" + capability
}

func clientFromKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// Register records a new logical connection after checking quotas. A key
// that already has a live connection is rejected.
func (m *Manager) Register(clientID, provider, capability string) (*models.ConnectionInfo, error) {
	key := Key(clientID, provider, capability)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[key]; exists {
		return nil, fmt.Errorf("connection already exists for %s", key)
	}
	if max := m.config.Connection.MaxPerClient; max > 0 && m.perClient[clientID] >= max {
		return nil, fmt.Errorf("client %s reached connection limit %d", clientID, max)
	}
	if max := m.config.Connection.MaxTotal; max > 0 && len(m.conns) >= max {
		return nil, fmt.Errorf("global connection limit %d reached", max)
	}

	now := time.Now()
	info := models.ConnectionInfo{
		ID:              uuid.New().String(),
		ClientID:        clientID,
		ProviderName:    provider,
		Capability:      capability,
		State:           models.ConnectionActive,
		CreatedAt:       now,
		LastActivityAt:  now,
		Healthy:         true,
		LastHealthCheck: now,
	}
	m.conns[key] = &managedConnection{info: info}
	m.perClient[clientID]++

	m.log.WithComponent("connection_manager").WithFields(logger.Fields{
		"key":       key,
		"client_id": clientID,
		"provider":  provider,
	}).Info("connection registered")
	return &info, nil
}

// CheckConnectionRateLimit asks the external oracle whether clientID may
// open another connection. Oracle failures fail open: a broken oracle
// must not take quote delivery down with it.
func (m *Manager) CheckConnectionRateLimit(ctx context.Context, clientID string) bool {
	decision, err := m.oracle.CheckRateLimit(ctx, clientID, "connection")
	if err != nil {
		m.log.WithComponent("connection_manager").WithError(err).WithFields(logger.Fields{
			"client_id": clientID,
		}).Warn("rate limit oracle unavailable, allowing connection")
		return true
	}
	if decision == nil {
		return true
	}
	return decision.Allowed
}

// IsConnectionActive reports whether the key has a live, active
// connection.
func (m *Manager) IsConnectionActive(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[key]
	return ok && conn.info.State == models.ConnectionActive
}

// GetConnection returns a copy of the connection's visible state.
func (m *Manager) GetConnection(key string) (models.ConnectionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[key]
	if !ok {
		return models.ConnectionInfo{}, false
	}
	return conn.info, true
}

// Touch refreshes the connection's last-activity timestamp.
func (m *Manager) Touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok {
		conn.info.LastActivityAt = time.Now()
	}
}

// UpdateConnectionHealth records a health probe outcome for the key.
// Unknown keys are ignored.
func (m *Manager) UpdateConnectionHealth(key string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[key]
	if !ok {
		return
	}
	conn.info.Healthy = healthy
	conn.info.LastHealthCheck = time.Now()
}

// RemoveConnection tears down and forgets the key. Idempotent; transport
// teardown failures are logged, never returned.
func (m *Manager) RemoveConnection(key string) {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
		m.decrementClientLocked(clientFromKey(key))
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.teardown(key, conn)
}

// removeMatching removes the key only if it still holds the connection
// with the given ID. A key removed and re-registered between the sweep
// snapshot and this call carries a new ID and is left alone.
func (m *Manager) removeMatching(key, id string) bool {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if !ok || conn.info.ID != id {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, key)
	m.decrementClientLocked(clientFromKey(key))
	m.mu.Unlock()

	m.teardown(key, conn)
	return true
}

func (m *Manager) decrementClientLocked(clientID string) {
	if m.perClient[clientID] > 1 {
		m.perClient[clientID]--
	} else {
		delete(m.perClient, clientID)
	}
}

// teardown closes the transport outside the registry lock. Panics from a
// misbehaving transport are swallowed so removal can never fail.
func (m *Manager) teardown(key string, conn *managedConnection) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithComponent("connection_manager").WithFields(logger.Fields{
				"key":   key,
				"panic": fmt.Sprintf("%v", r),
			}).Warn("connection teardown panicked")
		}
	}()

	if conn.cancel != nil {
		conn.cancel()
	}
	if conn.transport != nil {
		if err := conn.transport.Close(); err != nil {
			m.log.WithComponent("connection_manager").WithError(err).WithFields(logger.Fields{
				"key": key,
			}).Warn("transport close failed")
		}
	}
}

// HealthStats aggregates the live connection set.
func (m *Manager) HealthStats() models.ConnectionHealthStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.ConnectionHealthStats{Total: len(m.conns)}
	for _, conn := range m.conns {
		if conn.info.Healthy {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
	}
	if stats.Total > 0 {
		stats.HealthRatio = float64(stats.Healthy) / float64(stats.Total)
	}
	return stats
}

// ForceCleanup synchronously sweeps stale and unhealthy connections and
// reports what it did. It never fails: per-connection teardown errors are
// counted into the sweep, not propagated.
func (m *Manager) ForceCleanup() models.CleanupReport {
	return m.sweep("forced")
}

// sweep removes connections whose last activity is older than stale_after
// plus connections marked unhealthy. Victims are snapshotted first and
// re-validated by connection ID on removal, so a key re-registered
// mid-sweep keeps its fresh connection.
func (m *Manager) sweep(cleanupType string) models.CleanupReport {
	start := time.Now()
	staleAfter := m.config.Connection.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	cutoff := time.Now().Add(-staleAfter)

	type victim struct {
		key   string
		id    string
		stale bool
	}
	m.mu.RLock()
	victims := make([]victim, 0)
	for key, conn := range m.conns {
		switch {
		case conn.info.LastActivityAt.Before(cutoff):
			victims = append(victims, victim{key: key, id: conn.info.ID, stale: true})
		case !conn.info.Healthy:
			victims = append(victims, victim{key: key, id: conn.info.ID})
		}
	}
	m.mu.RUnlock()

	report := models.CleanupReport{CleanupType: cleanupType}
	for _, v := range victims {
		if !m.removeMatching(v.key, v.id) {
			continue
		}
		if v.stale {
			report.StaleConnectionsCleaned++
		} else {
			report.UnhealthyConnectionsCleaned++
		}
	}
	report.TotalCleaned = report.StaleConnectionsCleaned + report.UnhealthyConnectionsCleaned

	m.mu.RLock()
	report.RemainingConnections = len(m.conns)
	m.mu.RUnlock()

	if report.TotalCleaned > 0 {
		logger.LogDuration(m.log.WithComponent("connection_manager"), "connection_manager", "cleanup_sweep", time.Since(start), logger.Fields{
			"cleanup_type": report.CleanupType,
			"stale":        report.StaleConnectionsCleaned,
			"unhealthy":    report.UnhealthyConnectionsCleaned,
			"remaining":    report.RemainingConnections,
		})
	}
	return report
}

// Start launches the health-check and cleanup timers.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return fmt.Errorf("connection manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.runMu.Unlock()

	healthInterval := m.config.Connection.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	cleanupInterval := m.config.Connection.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	m.wg.Add(2)
	go m.timerLoop(healthInterval, "health_check")
	go m.timerLoop(cleanupInterval, "scheduled")

	m.log.WithComponent("connection_manager").WithFields(logger.Fields{
		"health_check_interval": healthInterval.String(),
		"cleanup_interval":      cleanupInterval.String(),
	}).Info("connection manager started")
	return nil
}

func (m *Manager) timerLoop(interval time.Duration, cleanupType string) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(cleanupType)
		}
	}
}

// NotifyConnectionLost marks the key unhealthy, removes it and submits a
// recovery job without waiting for the worker.
func (m *Manager) NotifyConnectionLost(key string) {
	m.mu.RLock()
	conn, ok := m.conns[key]
	var clientID, provider, capability string
	if ok {
		clientID = conn.info.ClientID
		provider = conn.info.ProviderName
		capability = conn.info.Capability
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	m.UpdateConnectionHealth(key, false)
	m.RemoveConnection(key)

	if m.recovery != nil {
		go m.recovery.SubmitRecovery(clientID, provider, capability)
	}
	m.log.WithComponent("connection_manager").WithFields(logger.Fields{
		"key": key,
	}).Warn("connection lost, recovery submitted")
}

// Shutdown stops the timers, closes the broadcast fabric and then clears
// every connection. The hub closes first so subscribers see end-of-stream
// before their connections disappear.
func (m *Manager) Shutdown() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.runMu.Unlock()
	m.wg.Wait()

	if m.hub != nil {
		m.hub.Close()
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.RemoveConnection(key)
	}
	m.log.WithComponent("connection_manager").Info("connection manager stopped")
}

// Count reports the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
