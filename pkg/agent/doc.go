// Package agent runs the approval-gated tool loop over persisted threads.
//
// Invariants:
// - Operations on one thread are serialized through its commandqueue lane.
// - The thread suspends only in awaiting_approvals; no goroutine waits for a
//   human.
// - Tool results of one model turn are appended in call identifier order.
// - A failed model call persists nothing of the step in progress.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Model: model, Gate: gate, Store: store,
//		CommandQueue: commandqueue.New(), Notifier: channel,
//	})
//	result, _ := runner.Send(ctx, "thread-1", "Email Bob the forecast")
//	if result.Suspended() {
//		result, _ = runner.Decide(ctx, "thread-1", thread.Decision{
//			CallID: result.Pending[0].CallID, Outcome: thread.OutcomeApproved,
//		})
//	}
package agent
