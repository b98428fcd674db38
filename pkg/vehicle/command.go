package vehicle

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/protocol"
)

// Command names a remote service a vehicle can run.
type Command string

const (
	CommandClimate     Command = "climate"
	CommandLock        Command = "lock"
	CommandUnlock      Command = "unlock"
	CommandFlashLights Command = "light"
	CommandHonkHorn    Command = "horn"
)

// serviceCodes maps commands to the vendor's remote service codes.
var serviceCodes = map[Command]string{
	CommandClimate:     "RCN",
	CommandLock:        "RDL",
	CommandUnlock:      "RDU",
	CommandFlashLights: "RLF",
	CommandHonkHorn:    "RHB",
}

const (
	// DefaultPollInterval is the delay before and between remote service
	// confirmation polls.
	DefaultPollInterval = 10 * time.Second

	// maxStatusPolls bounds how many confirmation polls run after a
	// submission before the client gives up.
	maxStatusPolls = 9

	// serviceExecuted is the terminal confirmation state.
	serviceExecuted = "EXECUTED"
)

// ErrNotConfirmed indicates the vehicle did not confirm a remote service
// before the polling budget expired. The service was accepted and may still
// complete, so the error reports MayHaveSucceeded.
var ErrNotConfirmed = protocol.NewError("remote service not confirmed before polling budget expired", true, false)

// Commands lists the available remote services in a stable order.
func Commands() []Command {
	return []Command{CommandClimate, CommandLock, CommandUnlock, CommandFlashLights, CommandHonkHorn}
}

// ParseCommand maps a user-supplied name to a Command.
func ParseCommand(name string) (Command, error) {
	command := Command(strings.ToLower(name))
	if _, ok := serviceCodes[command]; !ok {
		return "", fmt.Errorf("unrecognized remote service %q", name)
	}
	return command, nil
}

// ExecuteService submits a remote service and polls until the vehicle
// confirms execution.
//
// The submission either is accepted or fails immediately. Confirmation
// arrives asynchronously because the vehicle wakes its telematics unit
// first, so the execution state is polled at PollInterval up to nine times,
// waiting before the first check as well. Exhausting the budget returns
// ErrNotConfirmed. Cancelling ctx stops the wait at the next sleep boundary;
// the submitted service may run regardless, which the returned error
// reports through MayHaveSucceeded.
func (v *Vehicle) ExecuteService(ctx context.Context, command Command) error {
	code, ok := serviceCodes[command]
	if !ok {
		return fmt.Errorf("unrecognized remote service %q", command)
	}
	log.Info("Executing remote service %s (%s) on %s...", command, code, v.vin)
	if _, err := v.acct.Post(ctx, fmt.Sprintf("api/vehicle/remoteservices/v1/%s/%s", v.vin, code), nil); err != nil {
		return fmt.Errorf("submitting %s: %w", command, err)
	}
	interval := v.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for attempt := 0; attempt < maxStatusPolls; attempt++ {
		if err := v.pause(ctx, interval); err != nil {
			return &protocol.CommandError{Err: err, PossibleSuccess: true}
		}
		state, err := v.executionState(ctx)
		if err != nil {
			if protocol.Temporary(err) {
				log.Warning("Execution state check failed, retrying: %s", err)
				continue
			}
			return &protocol.CommandError{Err: fmt.Errorf("checking %s state: %w", command, err), PossibleSuccess: true}
		}
		log.Debug("Remote service %s state: %s", command, state)
		if state == serviceExecuted {
			log.Info("Remote service %s executed", command)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", command, ErrNotConfirmed)
}

// ClimateNow starts conditioning the cabin.
func (v *Vehicle) ClimateNow(ctx context.Context) error {
	return v.ExecuteService(ctx, CommandClimate)
}

// Lock secures the doors.
func (v *Vehicle) Lock(ctx context.Context) error {
	return v.ExecuteService(ctx, CommandLock)
}

// Unlock releases the door locks.
func (v *Vehicle) Unlock(ctx context.Context) error {
	return v.ExecuteService(ctx, CommandUnlock)
}

// FlashLights flashes the headlights.
func (v *Vehicle) FlashLights(ctx context.Context) error {
	return v.ExecuteService(ctx, CommandFlashLights)
}

// HonkHorn honks the horn.
func (v *Vehicle) HonkHorn(ctx context.Context) error {
	return v.ExecuteService(ctx, CommandHonkHorn)
}

// executionState fetches the XML execution-state document and extracts the
// remoteServiceStatus field.
func (v *Vehicle) executionState(ctx context.Context) (string, error) {
	body, err := v.acct.Get(ctx, fmt.Sprintf("api/vehicle/remoteservices/v1/%s/state/execution", v.vin))
	if err != nil {
		return "", err
	}
	var document struct {
		XMLName xml.Name
		Status  string `xml:"remoteServiceStatus"`
	}
	if err := xml.Unmarshal(body, &document); err != nil {
		return "", &protocol.CommandError{Err: fmt.Errorf("unable to parse execution state: %w", err), PossibleSuccess: true}
	}
	return document.Status, nil
}
