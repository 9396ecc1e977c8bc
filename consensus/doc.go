// Package consensus implements the votation protocol scanning stations use
// to validate shared codes exactly once, online or offline.
//
// # Core Components
//
// Votation: the proposal to validate one scanned code, carrying its verdict
// and consensus through its lifecycle.
//
// Lifecycle: the open and close logic shared by every controller. Emit and
// close tasks run on a tasks.Queue, so that all the mutations of a
// collection are serialized.
//
// LocalController, SocketController, SearchController: the transports. The
// local one resolves in process. The socket one runs the votation over the
// channel of the collection type. The search one asks every node which
// collection holds an unknown code.
//
// RobustController: the orchestrator. It owns a socket and a local
// controller per collection type plus the search controller, routes every
// scan according to connectivity and replays offline scans on reconnection.
//
// # Protocol
//
// Events travel signed with the Schnorr key of their sender, whose node id
// is derived from the public key:
//  1. The proposer publishes an open event
//  2. Every node verifies the code on its own replica and publishes a verdict
//  3. The proposer publishes a close event with the first verdict carrying
//     a consensus
//  4. Every node re-verifies the code and commits the validation
//
// # Outcomes
//
// Unknown and unauthorized codes are not errors: they are results delivered
// to the OnScanResult observer like valid and not valid verdicts. Only
// storage failures met while routing a scan are returned to the caller.
//
// A votation closed on a channel reaches the observer only on the node that
// proposed it, and never for the replay of an offline scan. Votations closed
// by a local controller always reach it.
package consensus
