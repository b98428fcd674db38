package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/cache"
	"github.com/bmwcd/connecteddrive/pkg/protocol"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

const (
	DefaultTimeout = 10 * time.Second

	// DefaultCommandTimeout covers a remote service submission plus the full
	// status polling budget.
	DefaultCommandTimeout = 2 * time.Minute

	vinLength = 17
)

// Gateway exposes an HTTP API over a fleet of vehicles.
//
// Telemetry reads inside the snapshot cache's TTL are served from the cache;
// everything else reaches the ConnectedDrive portal.
type Gateway struct {
	Timeout        time.Duration // bounds data fetches
	CommandTimeout time.Duration // bounds remote service execution
	APIToken       string        // when set, clients must send it as a bearer token

	vehicles  map[string]*vehicle.Vehicle
	snapshots *cache.SnapshotCache
	vinLock   sync.Map
}

// New creates a gateway serving the given fleet. The gateway does not discover
// vehicles on its own; list them with [vehicle.List] first.
func New(vehicles []*vehicle.Vehicle, snapshots *cache.SnapshotCache) *Gateway {
	g := &Gateway{
		Timeout:        DefaultTimeout,
		CommandTimeout: DefaultCommandTimeout,
		vehicles:       make(map[string]*vehicle.Vehicle),
		snapshots:      snapshots,
	}
	for _, car := range vehicles {
		g.vehicles[car.VIN()] = car
	}
	return g
}

// Response contains a server's response to a client request.
type Response struct {
	Response   interface{} `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrDetails string      `json:"error_description,omitempty"`
}

type commandResponse struct {
	Result           bool `json:"result"`
	MayHaveSucceeded bool `json:"may_have_succeeded,omitempty"`
}

type vehicleListing struct {
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	Brand       string `json:"brand,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, reply *Response) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	if code != http.StatusOK {
		log.Error("Returning error %s", http.StatusText(code))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{}

	var httpErr *protocol.HttpError
	if errors.As(err, &httpErr) {
		// The portal already assigned a status; pass it through.
		code = httpErr.Code
		reply.Error = "vendor rejected request"
		reply.ErrDetails = httpErr.Message
	} else if err == nil {
		reply.Error = http.StatusText(code)
	} else {
		reply.Error = err.Error()
	}
	writeJSON(w, code, &reply)
}

// lockVIN locks a VIN-specific mutex, blocking until the operation succeeds or ctx expires.
// The portal executes one remote service per vehicle at a time.
func (g *Gateway) lockVIN(ctx context.Context, vin string) error {
	lock := make(chan bool, 1)
	for {
		if obj, loaded := g.vinLock.LoadOrStore(vin, lock); loaded {
			select {
			case <-obj.(chan bool):
				// The goroutine that reads from the channel doesn't necessarily own the mutex. This
				// allows the mutex owner to delete the entry from the map, limiting the size of the
				// map to the number of concurrent remote services.
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			return nil
		}
	}
}

// unlockVIN releases a VIN-specific mutex.
func (g *Gateway) unlockVIN(vin string) {
	obj, ok := g.vinLock.Load(vin)
	if !ok {
		panic("called unlock without owning mutex")
	}
	g.vinLock.Delete(vin)  // Allow someone else to claim the mutex
	close(obj.(chan bool)) // Unblock goroutines
}

func (g *Gateway) authorized(req *http.Request) bool {
	if g.APIToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(g.APIToken)) == 1
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)

	if !g.authorized(req) {
		writeJSONError(w, http.StatusUnauthorized, errors.New("client did not provide a valid API token"))
		return
	}

	if req.URL.Path == "/api/vehicles" {
		g.handleListVehicles(w, req)
		return
	}
	if strings.HasPrefix(req.URL.Path, "/api/vehicles/") {
		path := strings.Split(req.URL.Path, "/")
		if len(path) == 5 || (len(path) == 6 && path[4] == "command") {
			vin := path[3]
			if len(vin) != vinLength {
				writeJSONError(w, http.StatusNotFound, errors.New("expected 17-character VIN in path"))
				return
			}
			car, ok := g.vehicles[vin]
			if !ok {
				writeJSONError(w, http.StatusNotFound, errors.New("unknown vin"))
				return
			}
			if len(path) == 6 {
				g.handleVehicleCommand(w, req, car, path[5])
			} else {
				g.handleVehicleData(w, req, car, path[4])
			}
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, nil)
}

func (g *Gateway) handleListVehicles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	listings := make([]vehicleListing, 0, len(g.vehicles))
	for _, car := range g.vehicles {
		listings = append(listings, vehicleListing{
			VIN:         car.VIN(),
			DisplayName: car.DisplayName(),
			Brand:       car.Brand,
			ModelName:   car.ModelName,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].VIN < listings[j].VIN })
	writeJSON(w, http.StatusOK, &Response{Response: listings})
}

// snapshot returns cached telemetry for car, fetching from the portal on a cache miss.
func (g *Gateway) snapshot(ctx context.Context, car *vehicle.Vehicle) (*vehicle.Snapshot, error) {
	if snapshot, ok := g.snapshots.Get(car.VIN()); ok {
		return &snapshot, nil
	}
	snapshot, err := car.State(ctx)
	if err != nil {
		return nil, err
	}
	g.snapshots.Update(car.VIN(), *snapshot)
	return snapshot, nil
}

func (g *Gateway) handleVehicleData(w http.ResponseWriter, req *http.Request, car *vehicle.Vehicle, resource string) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), g.Timeout)
	defer cancel()

	var payload interface{}
	var err error
	switch resource {
	case "status":
		payload, err = g.snapshot(ctx, car)
	case "messages":
		var snapshot *vehicle.Snapshot
		snapshot, err = g.snapshot(ctx, car)
		if err == nil {
			payload = snapshot.Messages
		}
	case "navigation":
		payload, err = car.Navigation(ctx)
	case "efficiency":
		payload, err = car.Efficiency(ctx)
	case "dealer":
		payload, err = car.Dealer(ctx)
	default:
		writeJSONError(w, http.StatusNotFound, nil)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: payload})
}

func (g *Gateway) handleVehicleCommand(w http.ResponseWriter, req *http.Request, car *vehicle.Vehicle, name string) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	command, err := vehicle.ParseCommand(name)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), g.CommandTimeout)
	defer cancel()

	if err := g.lockVIN(ctx, car.VIN()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer g.unlockVIN(car.VIN())

	log.Debug("Executing %s on %s", command, car.VIN())
	if err := car.ExecuteService(ctx, command); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, vehicle.ErrNotConfirmed) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		var httpErr *protocol.HttpError
		if errors.As(err, &httpErr) {
			code = httpErr.Code
		}
		writeJSON(w, code, &Response{
			Response: &commandResponse{MayHaveSucceeded: protocol.MayHaveSucceeded(err)},
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, &Response{Response: &commandResponse{Result: true}})
}
