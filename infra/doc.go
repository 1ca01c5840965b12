// Package infra contains technical adapters: the MQTT client, the OCPP
// central system, SQL persistence, datum sinks and metrics exporters.
// These packages depend only on the interfaces defined in the core
// packages.
package infra
