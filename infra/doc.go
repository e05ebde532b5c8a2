// Package infra contains technical adapters such as the persistence backends,
// the MQTT fan-out and the HTTP client of the allocation server. These
// packages depend only on the interfaces defined in the core packages.
package infra
