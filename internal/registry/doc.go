// Package registry provides the Service Registry kernel for the RV-C
// safety core.
//
// It is the dependency-ordered, health-monitored container described in
// the safety core's design: services register with a declared dependency
// graph and safety classification, the kernel computes parallel startup
// stages by longest-path-from-leaf, starts each stage concurrently with a
// bounded per-service timeout, and exposes an aggregated health view that
// the Safety Service polls on its watchdog loop.
//
// Layout:
//
//   - interfaces.go: ServiceModule and the small set of optional
//     capability interfaces a module may implement (readiness, audit,
//     security, permission, emergency-stop).
//   - dependency.go: dependency graph, cycle detection, stage computation.
//   - health.go: per-module health state machine and aggregation.
//   - registry.go: registration, lookup, ordering.
//   - lifecycle.go: parallel per-stage startup, reverse-order shutdown.
//   - bus.go: in-process event fan-out (entity updates, emergency-stop
//     broadcast) with per-subscriber timeout and permissioning.
//   - kernel.go: composition root wiring the above into one facade.
package registry
