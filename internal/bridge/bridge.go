// Package bridge runs the MQTT telemetry daemon: it polls the ConnectedDrive
// portal on a timer, publishes each vehicle snapshot to the broker, derives
// charging state transitions, and optionally archives snapshots to Postgres.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/internal/recorder"
	"github.com/bmwcd/connecteddrive/pkg/poller"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

// The ticker fires well inside the portal gate; the poll controller decides
// when a refresh is actually due. Ticking faster than the gate keeps the
// effective refresh period close to the configured interval instead of
// rounding it up to the next tick.
const tickInterval = 10 * time.Second

// Bridge owns one publish loop. Construct with New and drive with Run.
type Bridge struct {
	config    *Config
	ctrl      *poller.Controller
	publisher Publisher
	tracker   *Tracker
	archive   *recorder.Recorder // nil disables archival
}

func New(config *Config, ctrl *poller.Controller, publisher Publisher, archive *recorder.Recorder) *Bridge {
	initMetrics()
	return &Bridge{
		config:    config,
		ctrl:      ctrl,
		publisher: publisher,
		tracker:   NewTracker(),
		archive:   archive,
	}
}

// Run polls until ctx is cancelled and returns the context's error. Cycle
// failures are logged and counted, not returned; the portal fails often
// enough that giving up on the first error would make the daemon useless.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	b.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.cycle(ctx)
		}
	}
}

func (b *Bridge) cycle(ctx context.Context) {
	start := time.Now()
	snapshots, err := b.ctrl.Update(ctx)
	if errors.Is(err, poller.ErrNotDue) {
		observeCycle(resultSkipped, 0)
		return
	}
	if err != nil {
		log.Error("Poll cycle failed: %s", err)
		observeCycle(resultError, time.Since(start))
		return
	}

	for i := range snapshots {
		b.publishSnapshot(&snapshots[i])
	}
	if b.archive != nil {
		if err := b.archive.Record(ctx, snapshots); err != nil {
			log.Error("Error archiving snapshots: %s", err)
		}
	}

	observeCycle(resultSuccess, time.Since(start))
	lastSuccess.SetToCurrentTime()
}

func (b *Bridge) publishSnapshot(snapshot *vehicle.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Error("Error encoding snapshot of %s: %s", snapshot.VIN, err)
		return
	}
	if err := b.publisher.Publish(b.stateTopic(snapshot.VIN), payload, b.config.MQTT.Retain); err != nil {
		log.Error("Error publishing state of %s: %s", snapshot.VIN, err)
		publishErrors.Inc()
	}

	status, ok := snapshot.Attributes["charging_status"]
	if !ok {
		return // combustion cars don't charge
	}
	transition, changed := b.tracker.Observe(snapshot.VIN, status)
	if !changed {
		return
	}
	log.Info("Vehicle %s charging state: %s -> %s", snapshot.VIN, transition.From, transition.To)
	payload, err = json.Marshal(transition)
	if err != nil {
		log.Error("Error encoding charging transition: %s", err)
		return
	}
	// Events are edges, not state; retaining them would replay stale
	// transitions to every new subscriber.
	if err := b.publisher.Publish(b.eventTopic(snapshot.VIN), payload, false); err != nil {
		log.Error("Error publishing charging event for %s: %s", snapshot.VIN, err)
		publishErrors.Inc()
	}
}

func (b *Bridge) stateTopic(vin string) string {
	return b.config.MQTT.TopicPrefix + "/" + vin + "/state"
}

func (b *Bridge) eventTopic(vin string) string {
	return b.config.MQTT.TopicPrefix + "/" + vin + "/event"
}
