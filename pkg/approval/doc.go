// Package approval surfaces pending tool approvals to humans and turns their
// replies into decisions.
//
// Invariants:
// - Outcomes are parsed case-insensitively after trimming whitespace.
// - A failed notification never discards a pending approval; it stays in the
//   thread snapshot.
package approval
