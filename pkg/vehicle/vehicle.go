// Package vehicle exposes the cars on a ConnectedDrive account: the registry
// listing, telemetry snapshots, the auxiliary data documents, and the remote
// services (climate, lock, unlock, light flash, horn).
package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/account"
)

// A Vehicle represents a single car on a ConnectedDrive account.
type Vehicle struct {
	// Brand and ModelName come from the registry listing. They stay empty
	// for vehicles constructed directly from a VIN.
	Brand     string
	ModelName string

	// PollInterval is the delay before and between remote service
	// confirmation polls. The zero value selects DefaultPollInterval.
	// Lowering it in production risks vendor rate limits.
	PollInterval time.Duration

	acct  *account.Account
	vin   string
	pause func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// listing is the registry wire format. The endpoint reports more fields, but
// these are the ones the client uses.
type listing struct {
	VIN       string `json:"vin"`
	Brand     string `json:"brand"`
	ModelName string `json:"modelName"`
}

// New returns a Vehicle for a VIN without consulting the registry. Snapshots
// of such a vehicle use the VIN as display name.
func New(acct *account.Account, vin string) *Vehicle {
	return &Vehicle{
		acct:  acct,
		vin:   vin,
		pause: realPause,
		now:   time.Now,
	}
}

// List fetches the vehicle registry of the account.
func List(ctx context.Context, acct *account.Account) ([]*Vehicle, error) {
	body, err := acct.Get(ctx, "api/me/vehicles/v2")
	if err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}
	var entries []listing
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}
	vehicles := make([]*Vehicle, 0, len(entries))
	for _, entry := range entries {
		car := New(acct, entry.VIN)
		car.Brand = entry.Brand
		car.ModelName = entry.ModelName
		log.Info("Registry lists %s %s (%s)", car.Brand, car.ModelName, car.vin)
		vehicles = append(vehicles, car)
	}
	return vehicles, nil
}

// VIN returns the vehicle identification number.
func (v *Vehicle) VIN() string {
	return v.vin
}

// DisplayName is "<brand> <model>" per the registry, or the VIN when the
// vehicle was constructed without registry data.
func (v *Vehicle) DisplayName() string {
	name := strings.TrimSpace(v.Brand + " " + v.ModelName)
	if name == "" {
		return v.vin
	}
	return name
}

func realPause(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
