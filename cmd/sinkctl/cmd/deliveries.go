package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sink/internal/ingest"
)

func newDeliveriesCmd(a *app) *cobra.Command {
	var (
		endpoint string
		recordID string
		outcome  string
		since    string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List logged delivery outcomes from the ingest API",
		Long: `Query the delivery log through the ingest service. Results are newest first.

Examples:
  sinkctl deliveries --outcome exhausted
  sinkctl deliveries --record-id 2f0c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("ingest") {
				if v := a.v.GetString("ingest_url"); v != "" {
					endpoint = v
				}
			}
			q := url.Values{}
			if recordID != "" {
				q.Set("record_id", recordID)
			}
			if outcome != "" {
				q.Set("outcome", outcome)
			}
			if since != "" {
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			target := strings.TrimSuffix(endpoint, "/") + "/v1/deliveries"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query ingest: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			}
			var out ingest.ListResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if a.outputJSON {
				a.printOutput(cmd.OutOrStdout(), out)
				return nil
			}
			w := cmd.OutOrStdout()
			if len(out.Deliveries) == 0 {
				fmt.Fprintln(w, "no deliveries")
				return nil
			}
			for _, d := range out.Deliveries {
				status := "-"
				if d.HTTPStatus != 0 {
					status = strconv.Itoa(d.HTTPStatus)
				}
				fmt.Fprintf(w, "%s  %-11s %-6s %-4s %6dms  record=%s\n",
					d.CreatedAt.Format(time.RFC3339), d.Outcome, d.Route, status, d.DurationMS, d.RecordID)
				if d.LastError != "" {
					fmt.Fprintf(w, "    error: %s\n", d.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "ingest", "http://localhost:8080", "ingest API base URL (INGEST_URL)")
	cmd.Flags().StringVar(&recordID, "record-id", "", "only this record")
	cmd.Flags().StringVar(&outcome, "outcome", "", "delivered, exhausted, credential or error")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on created_at")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default 10, max 100)")
	return cmd
}
