package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

var sessionsOpts struct {
	baseURL string
	token   string
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsOpts.baseURL, "url", "http://localhost:8080", "server base URL")
	sessionsCmd.PersistentFlags().StringVar(&sessionsOpts.token, "token", os.Getenv("CHATCORE_TOKEN"), "bearer token")
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the caller's sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsOpts.token == "" {
			return fmt.Errorf("a token is required; see `chatcore token`")
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
			strings.TrimRight(sessionsOpts.baseURL, "/")+"/v1/sessions", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+sessionsOpts.token)

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var body struct {
				Error *domain.ErrorBody `json:"error"`
			}
			if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != nil {
				return fmt.Errorf("list sessions: %s: %s", body.Error.Code, body.Error.Message)
			}
			return fmt.Errorf("list sessions: status %d", resp.StatusCode)
		}

		var list struct {
			Sessions []domain.SessionListItem `json:"sessions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return fmt.Errorf("decode sessions: %w", err)
		}
		if len(list.Sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMODEL\tACTIVE\tUPDATED")
		for _, s := range list.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				s.ID,
				s.Title,
				s.Model,
				s.Active,
				time.UnixMilli(s.UpdatedAt).Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
