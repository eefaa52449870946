// Package health implements HealthAggregator (SPEC_FULL.md §4.K): a
// liveness/readiness rollup over the bus, store, container driver, and
// object store. Grounded on the teacher's
// internal/api.HealthHandler.Health, generalized from one dependency
// (the repository) to the core's full subsystem set.
package health

import (
	"context"
	"time"

	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/objstore"
)

// checkTimeout bounds how long a single subsystem probe may take, so one
// stalled dependency cannot hang the whole readiness check.
const checkTimeout = 5 * time.Second

// Bus is the subset of bus.Client health checking needs.
type Bus interface {
	Set(key string, value []byte, ttl time.Duration)
	Get(key string) ([]byte, bool)
}

// Pinger is the subset of store.Repository health checking needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Aggregator polls every subsystem and rolls the results up into one
// overall status.
type Aggregator struct {
	bus    Bus
	store  Pinger
	driver container.Driver
	objs   objstore.Store
}

// New constructs an Aggregator over the core's subsystems.
func New(bus Bus, st Pinger, driver container.Driver, objs objstore.Store) *Aggregator {
	return &Aggregator{bus: bus, store: st, driver: driver, objs: objs}
}

// Check is a single subsystem's probe result.
type Check struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the result of a full readiness poll.
type Report struct {
	Healthy bool    `json:"healthy"`
	Checks  []Check `json:"checks"`
}

// Ready polls the bus, persistence layer, container driver, and object
// store, and reports healthy only if every one of them is healthy
// (SPEC_FULL.md §4.K).
func (a *Aggregator) Ready(ctx context.Context) Report {
	checks := []Check{
		a.checkBus(ctx),
		a.checkStore(ctx),
		a.checkContainerDriver(ctx),
		a.checkObjectStore(ctx),
	}

	healthy := true
	for _, c := range checks {
		if !c.Healthy {
			healthy = false
			break
		}
	}
	return Report{Healthy: healthy, Checks: checks}
}

// Live reports true as long as the process can serve the request at all;
// unlike Ready it never depends on external subsystems.
func (a *Aggregator) Live() bool { return true }

func (a *Aggregator) checkBus(ctx context.Context) Check {
	const probeKey = "health:probe"
	a.bus.Set(probeKey, []byte("1"), time.Second)
	if _, ok := a.bus.Get(probeKey); !ok {
		return Check{Name: "bus", Healthy: false, Error: "probe key not readable after set"}
	}
	return Check{Name: "bus", Healthy: true}
}

func (a *Aggregator) checkStore(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		return Check{Name: "store", Healthy: false, Error: err.Error()}
	}
	return Check{Name: "store", Healthy: true}
}

func (a *Aggregator) checkContainerDriver(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := a.driver.EnsureNetwork(ctx); err != nil {
		return Check{Name: "container_driver", Healthy: false, Error: err.Error()}
	}
	return Check{Name: "container_driver", Healthy: true}
}

func (a *Aggregator) checkObjectStore(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := a.objs.Ping(ctx); err != nil {
		return Check{Name: "object_store", Healthy: false, Error: err.Error()}
	}
	return Check{Name: "object_store", Healthy: true}
}
