package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/risk"
)

type fakeRisk struct{ state risk.State }

func (f *fakeRisk) State() risk.State { return f.state }

type fakeQueue struct{ depth int }

func (f *fakeQueue) QueueSize() int { return f.depth }

type fakeStore struct{ err error }

func (f *fakeStore) HealthCheck(ctx context.Context) error { return f.err }

func newTestMonitor(t *testing.T) (*Monitor, map[string]*broker.MockClient, *fakeRisk, *fakeQueue) {
	t.Helper()

	mocks := map[string]*broker.MockClient{
		"ALPHA": broker.NewMockClient(30000, 30000),
		"BRAVO": broker.NewMockClient(30000, 30000),
	}
	handles := []accounts.Handle{
		{Name: "ALPHA", Client: mocks["ALPHA"]},
		{Name: "BRAVO", Client: mocks["BRAVO"]},
	}
	registry, err := accounts.NewRegistry(handles, "ALPHA", time.Minute, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	registry.RefreshAll(context.Background())

	breakers := []*circuit.Breaker{
		circuit.New("trading", 3, time.Minute, nil, zerolog.Nop()),
		circuit.New("data", 3, time.Minute, nil, zerolog.Nop()),
	}
	riskSrc := &fakeRisk{state: risk.StateNormal}
	queue := &fakeQueue{depth: 2}

	m := NewMonitor(registry, breakers, riskSrc, queue, nil, zerolog.Nop())
	return m, mocks, riskSrc, queue
}

func hasNote(report Report, substr string) bool {
	for _, n := range report.Notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestAllHealthyIsOperational(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)

	report := m.Check(context.Background())

	if report.Status != StatusOperational {
		t.Fatalf("status = %s, want OPERATIONAL (notes: %v)", report.Status, report.Notes)
	}
	if report.Accounts.Reachable != 2 || report.Accounts.Total != 2 {
		t.Errorf("accounts = %d/%d, want 2/2", report.Accounts.Reachable, report.Accounts.Total)
	}
	if report.Breakers["trading"] != "CLOSED" || report.Breakers["data"] != "CLOSED" {
		t.Errorf("breakers = %v, want both CLOSED", report.Breakers)
	}
	if report.QueueDepth != 2 {
		t.Errorf("queue depth = %d, want 2", report.QueueDepth)
	}
	if !report.StoreConnected {
		t.Error("store should report connected when no store is wired")
	}
}

func TestUnreachableAccountDegrades(t *testing.T) {
	m, mocks, _, _ := newTestMonitor(t)

	mocks["BRAVO"].GetAccountFunc = func(ctx context.Context) (*broker.Account, error) {
		return nil, errors.New("connection refused")
	}
	m.registry.RefreshAll(context.Background())

	report := m.Check(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", report.Status)
	}
	if report.Accounts.Reachable != 1 {
		t.Errorf("reachable = %d, want 1", report.Accounts.Reachable)
	}
	if !hasNote(report, "BRAVO") {
		t.Errorf("notes should name the unreachable account, got %v", report.Notes)
	}
}

func TestNoReachableAccountIsCritical(t *testing.T) {
	m, mocks, _, _ := newTestMonitor(t)

	fail := func(ctx context.Context) (*broker.Account, error) {
		return nil, errors.New("connection refused")
	}
	mocks["ALPHA"].GetAccountFunc = fail
	mocks["BRAVO"].GetAccountFunc = fail
	m.registry.RefreshAll(context.Background())

	report := m.Check(context.Background())

	if report.Status != StatusCritical {
		t.Fatalf("status = %s, want CRITICAL_ERROR", report.Status)
	}
}

func TestEmergencyStopIsCritical(t *testing.T) {
	m, _, riskSrc, _ := newTestMonitor(t)

	riskSrc.state = risk.StateEmergencyStopped
	report := m.Check(context.Background())

	if report.Status != StatusCritical {
		t.Fatalf("status = %s, want CRITICAL_ERROR", report.Status)
	}
	if report.RiskState != "EMERGENCY_STOPPED" {
		t.Errorf("risk state = %s, want EMERGENCY_STOPPED", report.RiskState)
	}
}

func TestDegradedRiskStateDegrades(t *testing.T) {
	m, _, riskSrc, _ := newTestMonitor(t)

	riskSrc.state = risk.StateDegraded
	report := m.Check(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", report.Status)
	}
}

func TestOpenBreakerDegrades(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)

	boom := errors.New("submit failed")
	for i := 0; i < 3; i++ {
		m.breakers[0].Call(context.Background(), func(ctx context.Context) error { return boom })
	}
	if m.breakers[0].State() != circuit.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN", m.breakers[0].State())
	}

	report := m.Check(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", report.Status)
	}
	if report.Breakers["trading"] != "OPEN" {
		t.Errorf("trading breaker = %s, want OPEN", report.Breakers["trading"])
	}
	if !hasNote(report, "trading breaker open") {
		t.Errorf("notes should mention the open breaker, got %v", report.Notes)
	}
}

func TestStoreFailureDegrades(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)

	m.SetStore(&fakeStore{err: errors.New("dial tcp: connection refused")})
	report := m.Check(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", report.Status)
	}
	if report.StoreConnected {
		t.Error("store should report disconnected")
	}

	m.SetStore(&fakeStore{})
	report = m.Check(context.Background())
	if report.Status != StatusOperational {
		t.Errorf("status after store recovery = %s, want OPERATIONAL", report.Status)
	}
}

func TestBlockedAccountStaysReachable(t *testing.T) {
	m, mocks, _, _ := newTestMonitor(t)

	mocks["BRAVO"].Account.TradingBlocked = true
	m.registry.RefreshAll(context.Background())

	report := m.Check(context.Background())

	if report.Status != StatusOperational {
		t.Fatalf("status = %s, want OPERATIONAL (blocked is not unreachable)", report.Status)
	}
	if report.Accounts.Reachable != 2 {
		t.Errorf("reachable = %d, want 2", report.Accounts.Reachable)
	}
	if !hasNote(report, "blocked") {
		t.Errorf("notes should mention the blocked account, got %v", report.Notes)
	}
}

func TestLastReturnsMostRecentReport(t *testing.T) {
	m, _, _, queue := newTestMonitor(t)

	if got := m.Last(); got.Status != StatusInitializing {
		t.Fatalf("initial status = %s, want INITIALIZING", got.Status)
	}

	queue.depth = 7
	m.Check(context.Background())

	got := m.Last()
	if got.Status != StatusOperational {
		t.Errorf("last status = %s, want OPERATIONAL", got.Status)
	}
	if got.QueueDepth != 7 {
		t.Errorf("last queue depth = %d, want 7", got.QueueDepth)
	}
}
