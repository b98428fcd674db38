/*
Package gateway implements a local REST API over ConnectedDrive vehicles.

The gateway is meant to sit between home-automation software and the vendor:
clients read telemetry and post remote services against a stable local
endpoint, while the gateway enforces the vendor's freshness and serialization
constraints.

	GET  /api/vehicles                         fleet listing
	GET  /api/vehicles/{vin}/status            telemetry snapshot (cached)
	GET  /api/vehicles/{vin}/messages          condition based service messages (cached)
	GET  /api/vehicles/{vin}/navigation        live navigation document
	GET  /api/vehicles/{vin}/efficiency        live efficiency document
	GET  /api/vehicles/{vin}/dealer            service partner record
	POST /api/vehicles/{vin}/command/{name}    remote service (climate, lock, unlock, light, horn)

Remote services can outlive an impatient client: a 504 reply carries
"may_have_succeeded": true when the portal accepted the request but never
confirmed execution.
*/
package gateway
