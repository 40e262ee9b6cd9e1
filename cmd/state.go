package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/session"
	"github.com/zhubert/relay/internal/store"
	"github.com/zhubert/relay/internal/workspace"
)

var (
	skipConfirm bool
	cleanAll    bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and prune saved orchestrator state",
	Long: `Commands that operate on the saved snapshot in the configured state
backend. Stop relay before cleaning; a running orchestrator overwrites the
snapshot on its next save.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStateShow(commandContext(cmd), cmd.OutOrStdout())
	},
}

var stateCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove finished sessions and their workspaces",
	Long: `Removes completed and failed sessions from the saved snapshot and deletes
their workspaces. With --all every session is removed, along with the
delegation links and routing memory.

It will prompt for confirmation before proceeding unless the --yes flag is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStateClean(commandContext(cmd), os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	stateCleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	stateCleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove every session, not only finished ones")
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateCleanCmd)
	rootCmd.AddCommand(stateCmd)
}

func openState(ctx context.Context) (*config.Config, store.Store, *store.Snapshot, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	st, err := store.Open(ctx, cfg.GetState())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening state backend: %w", err)
	}
	snap, err := st.Load(ctx)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("error loading state: %w", err)
	}
	return cfg, st, snap, nil
}

func runStateShow(ctx context.Context, out io.Writer) error {
	_, st, snap, err := openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if snap == nil {
		fmt.Fprintln(out, "No saved state.")
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// runStateClean allows injecting a reader for testing
func runStateClean(ctx context.Context, input io.Reader, out io.Writer) error {
	cfg, st, snap, err := openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	victims := cleanable(snap, cleanAll)
	if len(victims) == 0 {
		fmt.Fprintln(out, "Nothing to clean.")
		return nil
	}

	fmt.Fprintln(out, "This will clean:")
	fmt.Fprintf(out, "  - %d session(s)\n", len(victims))
	for _, r := range victims {
		fmt.Fprintf(out, "      %s %s (%s)\n", r.ID, r.WorkItem.Identifier, r.Status)
		if r.Workspace.Path != "" {
			fmt.Fprintf(out, "      workspace %s\n", r.Workspace.Path)
		}
	}
	if cleanAll {
		fmt.Fprintln(out, "  - Delegation links and routing memory")
	}

	if !skipConfirm {
		if !confirm(input, out, "Continue?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	_, workspacesDir, _ := cfg.GetDirs()
	provider := workspace.NewProvider(workspacesDir)
	removed := 0
	for _, r := range victims {
		repo, _ := cfg.GetRepository(r.RepositoryID)
		if err := provider.Remove(ctx, repo, r.Workspace); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error removing workspace %s: %v\n", r.Workspace.Path, err)
		} else if r.Workspace.Path != "" {
			removed++
		}
		delete(snap.Sessions[r.RepositoryID], r.ID)
		for child, parent := range snap.Delegation {
			if child == r.ID || parent == r.ID {
				delete(snap.Delegation, child)
			}
		}
	}
	if cleanAll {
		snap.Delegation = nil
		snap.Routes = nil
		snap.Pending = nil
	}
	snap.SavedAt = time.Now()
	if err := st.Save(ctx, snap); err != nil {
		return fmt.Errorf("error saving state: %w", err)
	}

	fmt.Fprintf(out, "Removed %d session(s) and %d workspace(s).\n", len(victims), removed)
	return nil
}

// cleanable returns the records to remove: finished ones, or all of them.
func cleanable(snap *store.Snapshot, all bool) []session.Record {
	if snap == nil {
		return nil
	}
	var out []session.Record
	for _, records := range snap.Sessions {
		for _, r := range records {
			if all || r.Status == session.StatusComplete || r.Status == session.StatusError {
				out = append(out, r)
			}
		}
	}
	return out
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, out io.Writer, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
