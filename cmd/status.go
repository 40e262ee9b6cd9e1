package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay/internal/agent"
	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/store"
)

var (
	statusAddr    string
	statusOffline bool
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status and sessions",
	Long: `Asks a running relay for its status and session list. With --offline the
saved state is read directly instead, which works while relay is stopped.

Examples:
  relay status              # Query the configured server address
  relay status --offline    # Read the saved snapshot
  relay status --json       # Machine-readable output`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address (default from config server.addr)")
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "Read the saved state instead of querying the server")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()

	var (
		st       agent.Status
		sessions []agent.SessionSummary
	)
	if statusOffline {
		sessions, err = offlineSessions(ctx, cfg)
		if err != nil {
			return err
		}
		st = agent.Status{Status: "stopped", Sessions: len(sessions)}
	} else {
		addr := statusAddr
		if addr == "" {
			addr = cfg.GetServerAddr()
		}
		base := baseURL(addr)
		if err := getJSON(ctx, base+"/status", &st); err != nil {
			return fmt.Errorf("relay is not reachable at %s (use --offline to read saved state): %w", addr, err)
		}
		if err := getJSON(ctx, base+"/sessions", &sessions); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			agent.Status
			SessionList []agent.SessionSummary `json:"sessionList"`
		}{st, sessions})
	}
	printStatus(out, st, sessions)
	return nil
}

// commandContext returns cmd's context, which is nil when RunE is called
// directly.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func offlineSessions(ctx context.Context, cfg *config.Config) ([]agent.SessionSummary, error) {
	s, err := store.Open(ctx, cfg.GetState())
	if err != nil {
		return nil, fmt.Errorf("error opening state backend: %w", err)
	}
	defer s.Close()
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading state: %w", err)
	}
	catalog, err := procedure.LoadAndMerge(cfg.GetProcedures().File)
	if err != nil {
		return nil, fmt.Errorf("error loading procedures: %w", err)
	}
	return agent.SummarizeSnapshot(snap, catalog), nil
}

func printStatus(w io.Writer, st agent.Status, sessions []agent.SessionSummary) {
	fmt.Fprintf(w, "%s %s  %s %d  %s %d\n",
		titleStyle.Render("relay"),
		statusStyle(st.Status).Render(st.Status),
		labelStyle.Render("sessions"), st.Sessions,
		labelStyle.Render("running"), st.Running,
	)
	if len(sessions) == 0 {
		fmt.Fprintln(w, labelStyle.Render("No sessions."))
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, sessionRow(s))
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Work item", "Repository", "Status", "Procedure", "Step", "Runner", "Updated"},
		rows, 2))
}

func sessionRow(s agent.SessionSummary) []string {
	item := s.Identifier
	if item == "" {
		item = s.WorkItemID
	}
	if s.Title != "" {
		item += " " + truncate(s.Title, 40)
	}
	status := string(s.Status)
	if s.Running {
		status = "running"
	}
	repo := s.Repository
	if repo == "" {
		repo = "-"
	}
	updated := "-"
	if !s.UpdatedAt.IsZero() {
		updated = s.UpdatedAt.Local().Format("Jan 2 15:04")
	}
	return []string{item, repo, status, s.Procedure, s.Subroutine, s.Runner, updated}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
