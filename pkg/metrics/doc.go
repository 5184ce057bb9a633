/*
Package metrics defines and registers dbcore's Prometheus metrics: WAL
durability (flushed/current LSN, group-commit batch size, flush latency),
checkpoint cadence, log-shipper standby lag, Raft leadership/term/commit
index, HCC compression ratio, conflict-resolver counts by type and
strategy, and CDC throughput/filtering/drops. All metrics are registered
at package init against the default Prometheus registry; Handler() exposes
them for scraping.

A component-agnostic process health aggregator (RegisterComponent,
UpdateComponent, GetHealth, GetReadiness, and HealthHandler/ReadyHandler/
LivenessHandler in health.go) is also provided for a
liveness/readiness endpoint independent of Prometheus scraping.
*/
package metrics
