/*
Package health provides reachability checks used by the log shipper to
notice standby peers it cannot reach. A check reports reachability only;
it says nothing about how far behind a standby is.

Only a TCP checker is implemented: a standby in this system is identified by
its replication address, not an HTTP or exec surface. Checkers implement a
small Checker interface so the shipper can swap in a different probe without
changing its monitoring loop.

Status tracking applies the same hysteresis used elsewhere in this module:
a peer isn't marked unreachable until Config.Retries consecutive checks have
failed, avoiding flapping from a single dropped probe.
*/
package health
