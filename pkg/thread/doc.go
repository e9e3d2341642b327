// Package thread holds the conversation data model and the snapshot stores
// that persist it.
//
// Invariants:
// - Turns are append-only and carry strictly increasing sequence numbers.
// - A thread has at most one PendingApproval per call identifier.
// - Staged tool results are appended in ascending call identifier order.
// - Store.Save replaces the whole record atomically; readers never observe a
//   partial snapshot.
// - Store.Load returns ErrThreadNotFound for unknown identifiers and never
//   hands out state shared with the store.
//
// Usage:
//
//	store, _ := thread.NewFileStore("/var/lib/tollgate/threads")
//	th := thread.New("support-42", time.Now())
//	th.Append(thread.Turn{Role: thread.RoleUser, Content: "hello"})
//	_ = store.Save(ctx, th)
//	loaded, _ := store.Load(ctx, "support-42")
//	_ = loaded
package thread
