package cache

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

// Entry is a cached snapshot together with the time it was stored.
type Entry struct {
	Snapshot vehicle.Snapshot `json:"snapshot"`
	StoredAt time.Time        `json:"stored_at"`
}

// SnapshotCache holds the most recent telemetry snapshot per vehicle.
type SnapshotCache struct {
	MaxEntries int
	TTL        time.Duration
	Vehicles   map[string]Entry `json:"vehicles"`

	lock sync.Mutex
	now  func() time.Time
}

// New returns a SnapshotCache that holds snapshots for up to maxEntries
// vehicles, evicting the least recently stored one beyond that. Entries older
// than ttl are treated as absent.
//
// Set maxEntries to zero for an unbounded cache and ttl to zero for entries
// that never expire.
func New(maxEntries int, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		MaxEntries: maxEntries,
		TTL:        ttl,
		Vehicles:   make(map[string]Entry),
	}
}

// Import a SnapshotCache using data in r.
// The data should previously have been generated using [SnapshotCache.Export].
func Import(r io.Reader) (*SnapshotCache, error) {
	var cache SnapshotCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Vehicles == nil {
		cache.Vehicles = make(map[string]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a SnapshotCache from disk.
func ImportFromFile(filename string) (*SnapshotCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized SnapshotCache to w.
func (c *SnapshotCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a SnapshotCache to disk.
func (c *SnapshotCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Update stores the snapshot for a vin, evicting the least recently stored
// entry if the cache grew beyond MaxEntries.
func (c *SnapshotCache) Update(vin string, snapshot vehicle.Snapshot) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.Vehicles[vin] = Entry{Snapshot: snapshot, StoredAt: c.clock()()}
	if c.MaxEntries > 0 && len(c.Vehicles) > c.MaxEntries {
		oldestVIN := vin
		oldestStoreTime := c.clock()().Add(time.Minute)
		for v, entry := range c.Vehicles {
			if entry.StoredAt.Before(oldestStoreTime) {
				oldestVIN = v
				oldestStoreTime = entry.StoredAt
			}
		}
		delete(c.Vehicles, oldestVIN)
	}
}

// Get returns the cached snapshot for vin. Entries older than TTL report a
// miss and are dropped.
func (c *SnapshotCache) Get(vin string) (vehicle.Snapshot, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Vehicles[vin]
	if !ok {
		return vehicle.Snapshot{}, false
	}
	if c.TTL > 0 && c.clock()().Sub(entry.StoredAt) > c.TTL {
		delete(c.Vehicles, vin)
		return vehicle.Snapshot{}, false
	}
	return entry.Snapshot, true
}

// clock returns the time source, defaulting to time.Now so that imported
// caches work without further setup.
func (c *SnapshotCache) clock() func() time.Time {
	if c.now == nil {
		return time.Now
	}
	return c.now
}
