package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xgpxg/conreg/pkg/protocol"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	serverAddr string
	authToken  string
)

var rootCmd = &cobra.Command{
	Use:   "conregctl",
	Short: "Manage a ConReg cluster",
	Long: `conregctl talks to the cluster endpoints of a ConReg node to
initialize a cluster, grow or shrink its membership, and inspect its
state. Membership changes require an admin token obtained from the
login endpoint.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:8000", "Address of any cluster node")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Admin bearer token for membership changes")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addLearnerCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(removeNodeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
}

var initCmd = &cobra.Command{
	Use:   "init ID=RAFT_ADDR [ID=RAFT_ADDR...]",
	Short: "Initialize a new cluster from a set of voters",
	Long: `Initialize a cluster. Every listed node must be running and
uninitialized, and the node addressed by --server must be among them.

Example:
  conregctl init node-1=127.0.0.1:9000 node-2=127.0.0.1:9001`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers := map[string]string{}
		for _, pair := range args {
			id, addr, found := strings.Cut(pair, "=")
			if !found || id == "" || addr == "" {
				return fmt.Errorf("invalid member %q, expected ID=RAFT_ADDR", pair)
			}
			servers[id] = addr
		}
		if err := post("/init", map[string]any{"servers": servers}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster initialized with %d voters\n", len(servers))
		return nil
	},
}

var addLearnerCmd = &cobra.Command{
	Use:   "add-learner NODE_ID RAFT_ADDR HTTP_ADDR",
	Short: "Add a node as a non-voting learner",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"node_id":   args[0],
			"raft_addr": args[1],
			"http_addr": args[2],
		}
		if err := post("/add-learner", body, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s added as learner\n", args[0])
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote NODE_ID RAFT_ADDR",
	Short: "Promote a learner to a voting member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"node_id":   args[0],
			"raft_addr": args[1],
		}
		if err := post("/change-membership", body, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s promoted to voter\n", args[0])
		return nil
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node NODE_ID",
	Short: "Remove a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := post("/remove-node", map[string]any{"node_id": args[0]}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s removed\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster state as seen by one node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus()
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll and print cluster state continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		for {
			if err := printStatus(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			fmt.Println()
			time.Sleep(interval)
		}
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 5*time.Second, "Refresh interval")
}

func printStatus() error {
	var metrics map[string]any
	if err := get("/metrics", &metrics); err != nil {
		return err
	}
	fmt.Printf("Cluster state from %s at %s\n", serverAddr, time.Now().Format(time.RFC3339))
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %v\n", k, metrics[k])
	}
	return nil
}

func buildURL(path string) string {
	return "http://" + serverAddr + "/api/cluster" + path
}

func post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, buildURL(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, buildURL(path), nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("unauthorized: pass an admin token with --token")
	}
	var envelope protocol.RawRes
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("invalid server response: %w", err)
	}
	if !envelope.IsSuccess() {
		return fmt.Errorf("%s", envelope.Msg)
	}
	if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
