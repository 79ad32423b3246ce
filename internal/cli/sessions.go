package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sandesh/internal/config"
	"github.com/harun/sandesh/pkg/shadow"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	Long: `List the session records in the shadow store. The daemon writes them
on every sweep and at shutdown, so this works while it is stopped.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the persisted conversation history of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsHistory,
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "print JSON instead of a table")
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openShadowStore opens the store configured for the daemon.
func openShadowStore(cfg *config.Config) (shadow.Store, error) {
	nop := zerolog.Nop()
	switch cfg.Storage.Driver {
	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "sandesh.db")
		}
		return shadow.NewSQLiteStore(path, nop)
	case "file":
		dir := cfg.Storage.Path
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "shadow")
		}
		return shadow.NewFileStore(dir, nop)
	default:
		return nil, fmt.Errorf("persistence is disabled (storage.driver=%q)", cfg.Storage.Driver)
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openShadowStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.LoadSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	if sessionsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		cmd.Println("No persisted sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSPORT\tSTATE\tACTIVE\tRECEIVED\tSENT\tERRORS\tLAST ACTIVITY")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			r.ID, r.Transport, r.State, r.IsActive,
			r.MessageStats.Received, r.MessageStats.Sent, r.MessageStats.Errors,
			r.LastActivityAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openShadowStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	h, err := store.LoadHistory(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	if sessionsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}

	if len(h) == 0 {
		cmd.Println("No history.")
		return nil
	}

	contacts := make([]string, 0, len(h))
	for contactID := range h {
		contacts = append(contacts, contactID)
	}
	sort.Strings(contacts)

	for _, contactID := range contacts {
		cmd.Printf("%s:\n", contactID)
		for _, e := range h[contactID] {
			cmd.Printf("  [%s] %-3s %s\n", e.Timestamp.Format(time.RFC3339), e.Direction, e.Text)
		}
	}
	return nil
}
