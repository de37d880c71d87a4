// Package contracts provides the wire types exchanged on the broker.
//
// Every message travels inside an Envelope:
//   - Header: execution id, correlation id and emission time
//   - Body: the opaque domain payload (a Vehicle, a VehicleFilter, ...)
//   - Footer: reserved extension slot
//
// Envelopes are encoded as UTF-8 JSON. Unknown fields are ignored on decode so
// producers can evolve payloads without breaking consumers.
package contracts
