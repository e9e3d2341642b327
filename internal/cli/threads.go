package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/tollgate/internal/config"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var threadsOutput string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect persisted threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored threads, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runThreadsList,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread's history and pending approvals",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a stored thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsDelete,
}

func init() {
	threadsShowCmd.Flags().StringVarP(&threadsOutput, "output", "o", "text", "output format (text, json, yaml)")
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsDeleteCmd)
	rootCmd.AddCommand(threadsCmd)
}

// openStore opens the configured store without building a model client.
func openStore() (thread.Store, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := config.NewValidator().ValidateStore(cfg.Store); err != nil {
		return nil, err
	}
	return thread.Open(cfg.Store.Backend, cfg.Store.Path)
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No threads")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTURNS\tPENDING\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.State, s.Turns, s.Pending, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch threadsOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case "yaml":
		return writeYAML(out, t)
	case "text", "":
		writeThreadText(out, t)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", threadsOutput)
	}
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]
	t, err := store.Load(cmd.Context(), id)
	if err != nil {
		return err
	}
	if len(t.Pending) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: discarding %d pending approval(s)\n", len(t.Pending))
	}
	if err := store.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted thread %s\n", id)
	return nil
}

// writeYAML renders v with its JSON field names.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func writeThreadText(w io.Writer, t *thread.Thread) {
	fmt.Fprintf(w, "Thread:  %s\n", t.ID)
	fmt.Fprintf(w, "State:   %s\n", t.State)
	fmt.Fprintf(w, "Created: %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated: %s\n\n", t.UpdatedAt.Format(time.RFC3339))

	for _, turn := range t.Turns {
		switch {
		case turn.Result != nil:
			r := turn.Result
			fmt.Fprintf(w, "[%d] tool %s (%s) %s: %s\n", turn.Seq, r.Name, r.CallID, r.Status, oneLine(r.Content()))
		case len(turn.ToolCalls) > 0:
			calls := make([]string, 0, len(turn.ToolCalls))
			for _, call := range turn.ToolCalls {
				calls = append(calls, fmt.Sprintf("%s(%s) %s", call.Name, call.ID, formatArgs(call.Arguments)))
			}
			fmt.Fprintf(w, "[%d] %s calls %s\n", turn.Seq, turn.Role, strings.Join(calls, ", "))
		default:
			fmt.Fprintf(w, "[%d] %s: %s\n", turn.Seq, turn.Role, oneLine(turn.Content))
		}
	}

	if len(t.Pending) > 0 {
		fmt.Fprintf(w, "\nPending approvals:\n")
		for _, p := range t.Pending {
			fmt.Fprintf(w, "  %s  %s %s\n", p.CallID, p.Call.Name, formatArgs(p.Call.Arguments))
		}
	}
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value, err := json.Marshal(args[k])
		if err != nil {
			value = []byte(fmt.Sprintf("%v", args[k]))
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, value))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
