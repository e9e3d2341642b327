package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/approval"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/spf13/cobra"
)

var chatThreadID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Start an interactive conversation. Gated tool calls are shown as
approval requests; answer "approve", "reject" or "reject <reason>".
Pass --thread to continue an existing thread, including one that is waiting
for approvals. Type /exit to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "thread to continue (default: a new thread)")
	rootCmd.AddCommand(chatCmd)
}

// chatSession drives one thread from the terminal.
type chatSession struct {
	runner   *agent.Runner
	terminal *approval.Terminal
	policy   agent.RetryPolicy
	threadID string
}

func runChat(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = "warn"
	}

	terminal := approval.NewTerminal(cmd.InOrStdin(), cmd.OutOrStdout())
	rt, err := newRuntime(cfg, cmd.ErrOrStderr(), terminal)
	if err != nil {
		return err
	}
	defer rt.Close()

	session := &chatSession{
		runner:   rt.runner,
		terminal: terminal,
		policy:   agent.DefaultRetryPolicy(rt.log.Zerolog()),
		threadID: chatThreadID,
	}
	if session.threadID == "" {
		session.threadID = uuid.NewString()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return session.run(ctx, chatThreadID != "")
}

func (s *chatSession) run(ctx context.Context, existing bool) error {
	s.terminal.Printf("Thread %s. Type /exit to quit.\n", s.threadID)

	if existing {
		result, err := agent.WithRetry(ctx, s.policy, func(ctx context.Context) (*agent.Result, error) {
			return s.runner.Resume(ctx, s.threadID)
		})
		switch {
		case errors.Is(err, thread.ErrThreadNotFound):
		case err != nil:
			return err
		default:
			if err := s.settle(ctx, result); err != nil {
				return quitOnEOF(err)
			}
		}
	}

	for {
		s.terminal.Printf("> ")
		line, err := s.terminal.ReadLine(ctx)
		if err != nil {
			return quitOnEOF(err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		result, err := agent.WithRetry(ctx, s.policy, func(ctx context.Context) (*agent.Result, error) {
			return s.runner.Send(ctx, s.threadID, line)
		})
		if err != nil {
			s.terminal.Printf("Error: %v\n", err)
			continue
		}
		if err := s.settle(ctx, result); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.terminal.Printf("Error: %v\n", err)
		}
	}
}

// settle collects decisions until the thread completes and prints the answer.
// A transient failure after a decision was recorded is retried with Resume,
// which continues from the persisted state.
func (s *chatSession) settle(ctx context.Context, result *agent.Result) error {
	for result.Suspended() {
		decisions, err := s.terminal.Prompt(ctx, result.Pending)
		if err != nil {
			return err
		}

		for _, decision := range decisions {
			result, err = s.runner.Decide(ctx, s.threadID, decision)
			if err == nil {
				continue
			}
			if !agent.IsTransient(err) {
				return err
			}
			result, err = agent.WithRetry(ctx, s.policy, func(ctx context.Context) (*agent.Result, error) {
				return s.runner.Resume(ctx, s.threadID)
			})
			if err != nil {
				return err
			}
		}
	}

	if result.Answer != "" {
		s.terminal.Printf("\n%s\n\n", result.Answer)
	}
	return nil
}

func quitOnEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("chat: %w", err)
}
