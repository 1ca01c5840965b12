// Package events defines the instruction related events emitted on the event bus.
//
// Available event types:
//   - StateChange: an instruction state transition applied through CAS
package events
