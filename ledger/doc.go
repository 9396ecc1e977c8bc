// Package ledger implements the append-only audit log of committed
// validations.
//
// # Core Components
//
// Ledger: an append-only log of validations with hash chaining for tamper
// detection.
//
// Block: a single committed validation and its link to the previous block.
//
// # Security Properties
//
// Every block stores the hash of its predecessor and its own hash, computed
// over its content. Changing a recorded block breaks the chain and is
// reported by Verify. The ledger is local to a node: it proves what the node
// committed, not what the other nodes did.
//
// # Usage
//
// Create a ledger with New, append a record every time a validation is
// committed and call Verify before trusting an exported ledger.
package ledger
