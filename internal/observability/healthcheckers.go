package observability

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// DatabaseHealthChecker verifies the execution-history database can open a
// read transaction.
type DatabaseHealthChecker struct {
	name string
	db   *bbolt.DB
}

func NewDatabaseHealthChecker(name string, db *bbolt.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

func (dhc *DatabaseHealthChecker) Name() string {
	return dhc.name
}

func (dhc *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if dhc.db == nil {
		return fmt.Errorf("database is nil")
	}
	return dhc.db.View(func(_ *bbolt.Tx) error {
		return nil
	})
}

func (dhc *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return dhc.HealthCheck(ctx)
}

// UpstreamHealthChecker verifies the upstream pool is reachable and, for
// readiness, that at least minServers are connected. A broker configured
// standalone passes with minServers 0.
type UpstreamHealthChecker struct {
	name       string
	getStats   func() (servers, tools int)
	minServers int
}

func NewUpstreamHealthChecker(name string, getStats func() (servers, tools int), minServers int) *UpstreamHealthChecker {
	return &UpstreamHealthChecker{
		name:       name,
		getStats:   getStats,
		minServers: minServers,
	}
}

func (uhc *UpstreamHealthChecker) Name() string {
	return uhc.name
}

func (uhc *UpstreamHealthChecker) HealthCheck(_ context.Context) error {
	if uhc.getStats == nil {
		return fmt.Errorf("getStats function is nil")
	}
	uhc.getStats()
	return nil
}

func (uhc *UpstreamHealthChecker) ReadinessCheck(_ context.Context) error {
	if uhc.getStats == nil {
		return fmt.Errorf("getStats function is nil")
	}
	servers, _ := uhc.getStats()
	if servers < uhc.minServers {
		return fmt.Errorf("insufficient connected upstream servers: %d < %d", servers, uhc.minServers)
	}
	return nil
}

// ComponentHealthChecker adapts plain bool probes into checkers.
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
	isReady   func() bool
}

func NewComponentHealthChecker(name string, isHealthy, isReady func() bool) *ComponentHealthChecker {
	return &ComponentHealthChecker{
		name:      name,
		isHealthy: isHealthy,
		isReady:   isReady,
	}
}

func (chc *ComponentHealthChecker) Name() string {
	return chc.name
}

func (chc *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if chc.isHealthy == nil {
		return fmt.Errorf("isHealthy function is nil")
	}
	if !chc.isHealthy() {
		return fmt.Errorf("component is not healthy")
	}
	return nil
}

func (chc *ComponentHealthChecker) ReadinessCheck(_ context.Context) error {
	if chc.isReady == nil {
		return fmt.Errorf("isReady function is nil")
	}
	if !chc.isReady() {
		return fmt.Errorf("component is not ready")
	}
	return nil
}

var (
	_ HealthChecker    = (*DatabaseHealthChecker)(nil)
	_ ReadinessChecker = (*DatabaseHealthChecker)(nil)
	_ HealthChecker    = (*UpstreamHealthChecker)(nil)
	_ ReadinessChecker = (*UpstreamHealthChecker)(nil)
	_ HealthChecker    = (*ComponentHealthChecker)(nil)
	_ ReadinessChecker = (*ComponentHealthChecker)(nil)
)
