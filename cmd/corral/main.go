package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var envelope struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if !envelope.OK {
		if len(envelope.Error) == 0 {
			return fmt.Errorf("request failed: status %d", resp.StatusCode)
		}
		return fmt.Errorf("request failed: %s", envelope.Error)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func main() {
	var (
		cfgPath string
		baseURL string
		asJSON  bool
	)

	root := &cobra.Command{
		Use:   "corral",
		Short: "Corral agent coordination and resilient messaging node",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Base API URL for CLI commands")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON output")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newStatusCommand(&baseURL, &asJSON))
	root.AddCommand(newAgentsCommand(&baseURL, &asJSON))
	root.AddCommand(newDLQCommand(&baseURL, &asJSON))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newStatusCommand(baseURL *string, asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node health and coordination stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			var stats map[string]any
			if err := client.do(http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
				return err
			}
			if *asJSON {
				return printJSON(stats)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "agents\t%v active / %v total\n", stats["agents_active"], stats["agents_total"])
			fmt.Fprintf(w, "active emergencies\t%v\n", stats["emergencies_active"])
			if cycle, ok := stats["cycle"].(map[string]any); ok {
				fmt.Fprintf(w, "ticks\t%v (overruns %v)\n", cycle["ticks"], cycle["overruns"])
			}
			if bridge, ok := stats["bridge"].(map[string]any); ok {
				if breaker, ok := bridge["breaker"].(map[string]any); ok {
					fmt.Fprintf(w, "breaker\t%v\n", breaker["state"])
				}
				fmt.Fprintf(w, "dead letters\t%v\n", bridge["dead_letter_depth"])
			}
			return w.Flush()
		},
	}
}

func newAgentsCommand(baseURL *string, asJSON *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage registered agents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			var agents []map[string]any
			if err := client.do(http.MethodGet, "/api/v1/agents", nil, &agents); err != nil {
				return err
			}
			if *asJSON {
				return printJSON(agents)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSTATUS\tLAST HEARTBEAT")
			for _, a := range agents {
				fmt.Fprintf(w, "%v\t%v\t%v\n", a["agent_id"], a["status"], a["last_heartbeat"])
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deregister <agent-id>",
		Short: "Remove an agent from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			if err := client.do(http.MethodDelete, "/api/v1/agents/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("deregistered %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newDLQCommand(baseURL *string, asJSON *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the bridge dead letter queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List parked messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			var entries []map[string]any
			if err := client.do(http.MethodGet, "/api/v1/bridge/deadletters", nil, &entries); err != nil {
				return err
			}
			if *asJSON {
				return printJSON(entries)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRETRIES\tFIRST FAILED\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", e["id"], e["retry_count"], e["first_failed_at"], e["failure_reason"])
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay [id]",
		Short: "Replay one parked message, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			if len(args) == 1 {
				if err := client.do(http.MethodPost, "/api/v1/bridge/deadletters/"+args[0]+"/replay", nil, nil); err != nil {
					return err
				}
				fmt.Printf("replayed %s\n", args[0])
				return nil
			}
			var out map[string]any
			if err := client.do(http.MethodPost, "/api/v1/bridge/deadletters/replay", nil, &out); err != nil {
				return err
			}
			fmt.Printf("replayed %v messages\n", out["replayed"])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a parked message without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*baseURL)
			if err := client.do(http.MethodDelete, "/api/v1/bridge/deadletters/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("discarded %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
