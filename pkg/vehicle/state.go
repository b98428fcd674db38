package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Powertrain classifies how a vehicle is driven.
type Powertrain string

const (
	PowertrainElectric Powertrain = "electric"
	PowertrainHybrid   Powertrain = "hybrid"
	PowertrainFuel     Powertrain = "fuel"
)

// Snapshot is one vehicle's state as reported by the telemetry endpoint.
//
// Attributes carries the raw attribute map. The service reports every value
// as a string, including numbers and timestamps; keys vary by model and
// equipment, so the map is passed through rather than typed.
type Snapshot struct {
	VIN        string            `json:"vin"`
	CarName    string            `json:"car_name"`
	Powertrain Powertrain        `json:"powertrain"`
	Attributes map[string]string `json:"attributes"`
	Messages   []ServiceMessage  `json:"service_messages,omitempty"`
}

// ServiceMessage is a condition-based service notice delivered with the
// telemetry document.
type ServiceMessage struct {
	ID          int    `json:"id,omitempty"`
	Text        string `json:"text,omitempty"`
	Date        string `json:"date,omitempty"`
	Status      string `json:"status,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	Description string `json:"description,omitempty"`
}

// Dealer identifies the service partner assigned to a vehicle.
type Dealer struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
	Mail       string `json:"mail"`
}

// dynamicDocument is the wire shape of the telemetry endpoint.
type dynamicDocument struct {
	AttributesMap   map[string]string `json:"attributesMap"`
	VehicleMessages struct {
		CBSMessages []ServiceMessage `json:"cbsMessages"`
	} `json:"vehicleMessages"`
}

// State fetches the vehicle's current telemetry snapshot.
func (v *Vehicle) State(ctx context.Context) (*Snapshot, error) {
	endpoint := fmt.Sprintf("api/vehicle/dynamic/v1/%s?offset=%d", v.vin, utcOffsetMinutes(v.now()))
	body, err := v.acct.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching state of %s: %w", v.vin, err)
	}
	var document dynamicDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", v.vin, err)
	}
	if document.AttributesMap == nil {
		return nil, fmt.Errorf("state document for %s carries no attributes", v.vin)
	}
	return &Snapshot{
		VIN:        v.vin,
		CarName:    v.DisplayName(),
		Powertrain: classify(document.AttributesMap),
		Attributes: document.AttributesMap,
		Messages:   document.VehicleMessages.CBSMessages,
	}, nil
}

// Navigation fetches the navigation document (position, destinations, range).
func (v *Vehicle) Navigation(ctx context.Context) (map[string]interface{}, error) {
	return v.document(ctx, "navigation")
}

// Efficiency fetches the efficiency document (consumption and trip scores).
func (v *Vehicle) Efficiency(ctx context.Context) (map[string]interface{}, error) {
	return v.document(ctx, "efficiency")
}

func (v *Vehicle) document(ctx context.Context, kind string) (map[string]interface{}, error) {
	body, err := v.acct.Get(ctx, fmt.Sprintf("api/vehicle/%s/v1/%s", kind, v.vin))
	if err != nil {
		return nil, fmt.Errorf("fetching %s of %s: %w", kind, v.vin, err)
	}
	var document map[string]interface{}
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("decoding %s of %s: %w", kind, v.vin, err)
	}
	return document, nil
}

// Dealer fetches the service partner assigned to the vehicle.
func (v *Vehicle) Dealer(ctx context.Context) (*Dealer, error) {
	body, err := v.acct.Get(ctx, fmt.Sprintf("api/vehicle/servicepartner/v1/%s", v.vin))
	if err != nil {
		return nil, fmt.Errorf("fetching service partner of %s: %w", v.vin, err)
	}
	var document struct {
		Dealer Dealer `json:"dealer"`
	}
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("decoding service partner of %s: %w", v.vin, err)
	}
	return &document.Dealer, nil
}

// classify determines the powertrain from the telemetry attributes. Cars that
// report a charging status and no remaining fuel are electric, a charging
// status alongside fuel means a plug-in hybrid, and no charging status means
// a combustion car.
func classify(attributes map[string]string) Powertrain {
	if _, ok := attributes["charging_status"]; !ok {
		return PowertrainFuel
	}
	if attributes["remaining_fuel"] == "0" {
		return PowertrainElectric
	}
	return PowertrainHybrid
}

// utcOffsetMinutes returns the offset the telemetry endpoint expects: UTC
// minus local time, in minutes. East of Greenwich the value is negative.
func utcOffsetMinutes(now time.Time) int {
	_, seconds := now.Zone()
	return -seconds / 60
}
