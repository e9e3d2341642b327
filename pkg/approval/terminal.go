package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/harun/tollgate/pkg/thread"
)

// Terminal prompts for approvals on an interactive terminal. It owns the
// input reader so a REPL can share it through ReadLine.
type Terminal struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewTerminal creates a terminal channel over reader and writer
func NewTerminal(reader io.Reader, writer io.Writer) *Terminal {
	return &Terminal{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// Notify prints a banner for each pending approval.
func (t *Terminal) Notify(ctx context.Context, pending []thread.PendingApproval) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range pending {
		t.displayApprovalRequest(p)
	}
	return nil
}

// Prompt asks for a reply to each pending approval and returns the decisions
// in the same order. Invalid replies are prompted again.
func (t *Terminal) Prompt(ctx context.Context, pending []thread.PendingApproval) ([]thread.Decision, error) {
	decisions := make([]thread.Decision, 0, len(pending))
	for _, p := range pending {
		for {
			t.printf("  Approve %s (%s)? [approve | reject <reason>]: ", p.Call.Name, p.CallID)

			line, err := t.ReadLine(ctx)
			if err != nil {
				return decisions, err
			}

			decision, err := ParseReply(p.CallID, line)
			if err != nil {
				t.printf("  Invalid reply %q, answer approve or reject.\n", strings.TrimSpace(line))
				continue
			}

			if decision.Outcome == thread.OutcomeApproved {
				t.printf("  Approved %s\n\n", p.Call.Name)
			} else {
				t.printf("  Rejected %s\n\n", p.Call.Name)
			}
			decisions = append(decisions, decision)
			break
		}
	}
	return decisions, nil
}

// ReadLine reads one line without its line ending. io.EOF is returned once
// the input is exhausted.
func (t *Terminal) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	line, err := t.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Printf writes to the terminal output.
func (t *Terminal) Printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printf(format, args...)
}

func (t *Terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.writer, format, args...)
}

// ParseReply reads "approve", "reject" or "reject <rationale>". The short
// forms y/yes and n/no are accepted too.
func ParseReply(callID, line string) (thread.Decision, error) {
	word, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(word) {
	case "y", "yes":
		word = "approve"
	case "n", "no":
		word = "reject"
	}
	return ParseDecision(callID, word, rest)
}

// displayApprovalRequest displays the approval request to the user
func (t *Terminal) displayApprovalRequest(p thread.PendingApproval) {
	t.printf("\n")
	t.printf("╔════════════════════════════════════════════════════════════════╗\n")
	t.printf("║                  TOOL APPROVAL REQUIRED                        ║\n")
	t.printf("╚════════════════════════════════════════════════════════════════╝\n")
	t.printf("\n")
	t.printf("  Tool:       %s\n", p.Call.Name)
	t.printf("  Call:       %s\n", p.CallID)
	t.printf("  Thread:     %s\n", p.ThreadID)

	if len(p.Call.Arguments) > 0 {
		t.printf("  Arguments:\n")
		keys := make([]string, 0, len(p.Call.Arguments))
		for key := range p.Call.Arguments {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			t.printf("    %s: %s\n", key, formatArgument(p.Call.Arguments[key]))
		}
	}
	t.printf("\n")
}

func formatArgument(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
