// Package contracts defines the lifecycle event model carried over the bus.
//
// The reliability layer in messaging/ treats payloads as opaque; this package
// supplies the collaborator it expects from callers:
//   - Message: identity, routing metadata, serialization and validation
//   - Event: a concrete structured lifecycle event with meta, data and links
//   - Envelope: the minimal wire shape used for dispatch and identity lookup
//
// JSON-schema validation of event payloads is deliberately out of scope;
// Validate performs shape checks only.
package contracts
