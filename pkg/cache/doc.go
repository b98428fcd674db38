// Package cache stores recent vehicle telemetry snapshots.
//
// The ConnectedDrive portal refuses to refresh a vehicle's telemetry more than once every
// two minutes, so services that answer status queries on demand cannot reach out to the
// vendor for every request. A [SnapshotCache] keeps the last known snapshot per VIN and
// treats entries older than its TTL as absent, letting callers tell a usable cached state
// apart from one that predates the current refresh window.
//
// A SnapshotCache may be exported with [SnapshotCache.Export] or
// [SnapshotCache.ExportToFile] and re-imported across restarts. Snapshots include the
// vehicle's position and mileage, so access controls should be used to prevent third
// parties from reading exported data.
package cache
