// Package poller implements the rate-limited refresh cycle that keeps the
// vehicle snapshots of an account current.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

// DefaultInterval is the minimum time between update cycles. The vendor rate
// limits the telemetry endpoint, so cycles must not run more often.
const DefaultInterval = 2 * time.Minute

// ErrNotDue is returned by Update when the minimum interval since the last
// successful cycle has not elapsed yet. No requests are issued in that case.
var ErrNotDue = errors.New("update not due yet")

// Controller runs gated update cycles over the vehicles of one account.
// Methods are safe for concurrent use; cycles never overlap.
type Controller struct {
	mu         sync.Mutex
	vehicles   []*vehicle.Vehicle
	interval   time.Duration
	lastUpdate time.Time
	snapshots  []vehicle.Snapshot
	now        func() time.Time
}

// New returns a Controller over the given vehicles. A non-positive interval
// selects DefaultInterval.
func New(vehicles []*vehicle.Vehicle, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		vehicles: vehicles,
		interval: interval,
		now:      time.Now,
	}
}

// Update runs one cycle: it fetches the state of every vehicle in order and
// replaces the stored snapshots.
//
// If the minimum interval since the last successful cycle has not elapsed,
// Update returns ErrNotDue without network traffic. The first failed fetch
// aborts the cycle with no partial result; the stored snapshots and the gate
// timestamp stay as they were, so the next call retries immediately.
func (c *Controller) Update(ctx context.Context) ([]vehicle.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := c.now().Sub(c.lastUpdate); elapsed <= c.interval {
		log.Debug("Skipping update, last cycle finished %s ago", elapsed)
		return nil, ErrNotDue
	}
	snapshots := make([]vehicle.Snapshot, 0, len(c.vehicles))
	for _, car := range c.vehicles {
		snapshot, err := car.State(ctx)
		if err != nil {
			return nil, fmt.Errorf("updating %s: %w", car.VIN(), err)
		}
		snapshots = append(snapshots, *snapshot)
	}
	c.snapshots = snapshots
	c.lastUpdate = c.now()
	log.Info("Updated %d vehicle(s)", len(snapshots))
	return snapshots, nil
}

// Snapshots returns the result of the last successful cycle, which may be
// empty before the first one.
func (c *Controller) Snapshots() []vehicle.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshots := make([]vehicle.Snapshot, len(c.snapshots))
	copy(snapshots, c.snapshots)
	return snapshots
}

// LastUpdate returns the completion time of the last successful cycle, or
// the zero time before the first one.
func (c *Controller) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Interval returns the minimum time between cycles.
func (c *Controller) Interval() time.Duration {
	return c.interval
}
