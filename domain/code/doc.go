// Package code defines the validateable entities shared by every node of a
// scanning session.
//
// # Core Types
//
// Code: a ticket or pass identified by its code string, with a running count
// of how many times it has been confirmed valid.
//
// Type: the kind of a collection (an id plus a human label). Every registered
// type owns exactly one collection per session.
//
// Session: the event a group of scanning nodes is working on.
//
// # Snapshots
//
// A Code is passed around by value. A Code whose ID is empty is the "absent"
// snapshot: it is what a votation converges on when no matching code exists.
package code
