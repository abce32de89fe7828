// Package replica implements revision-gated replication of a single-owner
// state cell across peers.
//
// Every Cell carries a Revision (counter plus server time). The owning peer
// bumps it once per commit attempt; every peer keeps a local watermark of
// the last revision it observed. A received revision is classified three
// ways:
//
//   - stale: behind the watermark on either axis. Routed to the stale
//     handler, watermark unchanged.
//   - race: a local commit is still unacknowledged and the revision is not
//     the one this peer expects. Applied, and a resend is scheduled.
//   - clean: applied, pending resync cleared.
//
// Failed commits and races are resent after a flat one-second backoff. At
// most one resend is pending per cell; an acknowledgement does not cancel a
// resend already scheduled, so delivery is at-least-once.
//
// Transports (see internal/network) drive a cell through the Replicator
// methods and expose the network to it through Transport.
package replica
