package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file whose data dir is dir and returns its path.
func writeConfig(t *testing.T, dir string, overrides map[string]interface{}) string {
	t.Helper()
	doc := map[string]interface{}{"data_dir": dir}
	for k, v := range overrides {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "sandesh.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(resetFlags)

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores flag variables, which cobra keeps between executions.
func resetFlags() {
	cfgFile = ""
	logLevel = ""
	sessionsJSON = false
	configureForce = false
	stopTimeout = 30
	resetCommandFlags(rootCmd)
}

// resetCommandFlags clears --help and --version, which stay set on a command
// once parsed.
func resetCommandFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	for _, child := range cmd.Commands() {
		resetCommandFlags(child)
	}
}
