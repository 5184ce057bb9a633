/*
Package log provides structured logging for dbcore using zerolog.

It wraps a single global zerolog.Logger configured once via Init, and
exposes component-scoped child loggers (WithComponent, WithShard,
WithPeerID, WithTxnID) so a log line can be traced back to the WAL
manager, a Raft node, a conflict shard, or a transaction without every
call site repeating the same structured fields.

Output is either console (human-readable, for local development) or JSON
(for log aggregation), selected by Config.JSONOutput.
*/
package log
