package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/stream"
	"quoteflow/models"
)

type stubOracle struct {
	decision *models.RateLimitDecision
	err      error
	calls    int
}

func (s *stubOracle) CheckRateLimit(_ context.Context, _, _ string) (*models.RateLimitDecision, error) {
	s.calls++
	return s.decision, s.err
}

type stubRecovery struct {
	mu   sync.Mutex
	jobs []string
}

func (s *stubRecovery) SubmitRecovery(clientID, provider, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Key(clientID, provider, capability))
}

func (s *stubRecovery) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.jobs))
	copy(out, s.jobs)
	return out
}

type panickyTransport struct{}

func (panickyTransport) Close() error { panic("transport gone sideways") }

func testManagerConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Connection.MaxPerClient = 3
	cfg.Connection.MaxTotal = 5
	cfg.Connection.StaleAfter = 5 * time.Minute
	cfg.Connection.DialRate = 100
	cfg.Connection.DialBurst = 100
	return cfg
}

func newTestManager(t *testing.T, oracle *stubOracle, recovery models.RecoveryWorker) *Manager {
	t.Helper()
	if oracle == nil {
		oracle = &stubOracle{decision: &models.RateLimitDecision{Allowed: true}}
	}
	m, err := NewManager(testManagerConfig(), stream.NewHub(4), oracle, recovery)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestRegisterAndActive(t *testing.T) {
	m := newTestManager(t, nil, nil)

	info, err := m.Register("acct1", "futu", "stream-quote")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.ID == "" || info.State != models.ConnectionActive || !info.Healthy {
		t.Fatalf("unexpected info: %+v", info)
	}

	key := Key("acct1", "futu", "stream-quote")
	if !m.IsConnectionActive(key) {
		t.Fatal("connection should be active")
	}
	if m.IsConnectionActive(Key("acct1", "futu", "other")) {
		t.Fatal("unknown key should not be active")
	}
}

func TestRegisterDuplicateKeyRejected(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if _, err := m.Register("acct1", "futu", "stream-quote"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register("acct1", "futu", "stream-quote"); err == nil {
		t.Fatal("duplicate key must be rejected")
	}
}

func TestRegisterQuotas(t *testing.T) {
	m := newTestManager(t, nil, nil)

	for i, capability := range []string{"a", "b", "c"} {
		if _, err := m.Register("acct1", "futu", capability); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := m.Register("acct1", "futu", "d"); err == nil {
		t.Fatal("per-client quota must reject the 4th connection")
	}

	// Other clients fill the global quota of 5.
	if _, err := m.Register("acct2", "futu", "a"); err != nil {
		t.Fatalf("register acct2: %v", err)
	}
	if _, err := m.Register("acct3", "futu", "a"); err != nil {
		t.Fatalf("register acct3: %v", err)
	}
	if _, err := m.Register("acct4", "futu", "a"); err == nil {
		t.Fatal("global quota must reject the 6th connection")
	}
}

func TestRemoveConnectionIdempotent(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if _, err := m.Register("acct1", "futu", "stream-quote"); err != nil {
		t.Fatalf("register: %v", err)
	}
	key := Key("acct1", "futu", "stream-quote")

	m.RemoveConnection(key)
	m.RemoveConnection(key)
	m.RemoveConnection("never-existed")

	if m.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Count())
	}
	// Slot freed: the client can register again.
	if _, err := m.Register("acct1", "futu", "stream-quote"); err != nil {
		t.Fatalf("re-register after remove: %v", err)
	}
}

func TestRateLimitFailOpen(t *testing.T) {
	oracle := &stubOracle{err: errors.New("oracle down")}
	m := newTestManager(t, oracle, nil)

	if !m.CheckConnectionRateLimit(context.Background(), "acct1") {
		t.Fatal("oracle failure must fail open")
	}

	oracle.err = nil
	oracle.decision = &models.RateLimitDecision{Allowed: false}
	if m.CheckConnectionRateLimit(context.Background(), "acct1") {
		t.Fatal("explicit denial must be honored")
	}

	oracle.decision = nil
	if !m.CheckConnectionRateLimit(context.Background(), "acct1") {
		t.Fatal("nil decision must fail open")
	}
}

func TestHealthStats(t *testing.T) {
	m := newTestManager(t, nil, nil)
	_, _ = m.Register("acct1", "futu", "a")
	_, _ = m.Register("acct1", "futu", "b")
	_, _ = m.Register("acct2", "futu", "a")

	m.UpdateConnectionHealth(Key("acct1", "futu", "b"), false)
	m.UpdateConnectionHealth("unknown", false) // ignored

	stats := m.HealthStats()
	if stats.Total != 3 || stats.Healthy != 2 || stats.Unhealthy != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.HealthRatio < 0.66 || stats.HealthRatio > 0.67 {
		t.Fatalf("unexpected ratio: %f", stats.HealthRatio)
	}
}

func TestForceCleanupSweepsStaleAndUnhealthy(t *testing.T) {
	m := newTestManager(t, nil, nil)
	_, _ = m.Register("acct1", "futu", "stale")
	_, _ = m.Register("acct1", "futu", "unhealthy")
	_, _ = m.Register("acct1", "futu", "fine")

	staleKey := Key("acct1", "futu", "stale")
	m.mu.Lock()
	m.conns[staleKey].info.LastActivityAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.UpdateConnectionHealth(Key("acct1", "futu", "unhealthy"), false)

	report := m.ForceCleanup()
	if report.StaleConnectionsCleaned != 1 || report.UnhealthyConnectionsCleaned != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.TotalCleaned != 2 || report.RemainingConnections != 1 {
		t.Fatalf("unexpected totals: %+v", report)
	}
	if report.CleanupType != "forced" {
		t.Fatalf("unexpected cleanup type: %s", report.CleanupType)
	}
	if !m.IsConnectionActive(Key("acct1", "futu", "fine")) {
		t.Fatal("healthy fresh connection must survive the sweep")
	}
}

// A key re-registered after the sweep snapshot carries a new connection
// ID, so removal by stale identity must leave it alone.
func TestSweepSparesReRegisteredKey(t *testing.T) {
	m := newTestManager(t, nil, nil)
	staleInfo, err := m.Register("acct1", "futu", "stream-quote")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	key := Key("acct1", "futu", "stream-quote")

	// The stale connection goes away and the client reconnects on the
	// same key before the sweep gets to it.
	m.RemoveConnection(key)
	freshInfo, err := m.Register("acct1", "futu", "stream-quote")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if m.removeMatching(key, staleInfo.ID) {
		t.Fatal("removal by outdated identity must be a no-op")
	}
	if !m.IsConnectionActive(key) {
		t.Fatal("fresh connection must survive")
	}
	if got, _ := m.GetConnection(key); got.ID != freshInfo.ID {
		t.Fatalf("wrong connection left behind: %s want %s", got.ID, freshInfo.ID)
	}

	if !m.removeMatching(key, freshInfo.ID) {
		t.Fatal("matching identity must remove")
	}
	if m.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Count())
	}
}

// Cleanup must absorb a transport whose Close panics.
func TestForceCleanupSurvivesTeardownPanic(t *testing.T) {
	m := newTestManager(t, nil, nil)
	_, _ = m.Register("acct1", "futu", "bad")
	key := Key("acct1", "futu", "bad")
	m.attachTransport(key, panickyTransport{}, nil)
	m.UpdateConnectionHealth(key, false)

	report := m.ForceCleanup()
	if report.UnhealthyConnectionsCleaned != 1 {
		t.Fatalf("panicking teardown must still count: %+v", report)
	}
	if m.Count() != 0 {
		t.Fatal("connection must be gone despite the panic")
	}
}

func TestNotifyConnectionLostSubmitsRecovery(t *testing.T) {
	recovery := &stubRecovery{}
	m := newTestManager(t, nil, recovery)
	_, _ = m.Register("acct1", "futu", "stream-quote")
	key := Key("acct1", "futu", "stream-quote")

	m.NotifyConnectionLost(key)
	m.NotifyConnectionLost(key) // second call is a no-op

	if m.Count() != 0 {
		t.Fatal("lost connection must be removed")
	}

	deadline := time.After(time.Second)
	for {
		if jobs := recovery.submitted(); len(jobs) == 1 && jobs[0] == key {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("recovery not submitted: %v", recovery.submitted())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestShutdownClosesHubFirst(t *testing.T) {
	hub := stream.NewHub(4)
	oracle := &stubOracle{decision: &models.RateLimitDecision{Allowed: true}}
	m, err := NewManager(testManagerConfig(), hub, oracle, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, _ = m.Register("acct1", "futu", "stream-quote")

	topic := hub.Topic("acct1:futu:stream-quote")
	_, ch, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.Shutdown()

	if _, open := <-ch; open {
		t.Fatal("shutdown must close broadcast subscribers")
	}
	if m.Count() != 0 {
		t.Fatal("shutdown must clear the registry")
	}
	if hub.Topic("x") != nil {
		t.Fatal("hub must be closed")
	}
}

func TestStartTwiceFails(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Shutdown()
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}
}
