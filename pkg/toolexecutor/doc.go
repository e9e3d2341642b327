// Package toolexecutor holds the tool registry and the gate that holds back
// designated tools until a human decides on each call.
//
// A rejected call never reaches tool logic, and every failure of an executed
// call comes back as a ToolResult with StatusError rather than a Go error.
//
//	exec := toolexecutor.New()
//	_ = exec.Register(toolexecutor.ToolDefinition{Name: "send_email", ...})
//	_ = exec.RequireApproval("send_email")
//	gate := toolexecutor.NewGate(exec)
//	inv := gate.RequestInvocation(ctx, threadID, gate.Describe("send_email", "call_1", args))
//	if inv.Suspended() {
//		res, err := gate.ResolveInvocation(ctx, *inv.Pending, decision)
//	}
package toolexecutor
