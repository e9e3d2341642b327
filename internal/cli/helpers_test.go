package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config using the openai provider and a file store
// under a temp dir. It returns the config path and the store directory.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	storeDir := filepath.Join(dir, "threads")
	cfg := map[string]interface{}{
		"model": map[string]interface{}{
			"provider": "openai",
			"api_key":  "sk-test",
			"model":    "gpt-4o-mini",
		},
		"store": map[string]interface{}{
			"backend": "file",
			"path":    storeDir,
		},
		"logging": map[string]interface{}{
			"level":   "warn",
			"console": false,
		},
		"data_dir": dir,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "tollgate.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, storeDir
}

// executeCommand runs the root command with args and stdin and returns what
// it wrote to stdout and stderr.
func executeCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := GetRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
