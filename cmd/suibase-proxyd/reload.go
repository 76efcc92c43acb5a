package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// reloadCmd pings a running daemon's admin RPC surface. Config changes
// are already picked up automatically by the fsnotify-backed watcher
// (spec.md §4.7); this command exists for parity with the teacher's
// `caddy reload` and is useful to confirm a daemon is up and to force
// an immediate getLinks snapshot rather than waiting on the poll loop.
func reloadCmd() *cobra.Command {
	var workdir string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Verify the running daemon is responsive and report workdir status",
		RunE: func(cmd *cobra.Command, args []string) error {
			adminPort, _ := cmd.Flags().GetInt("admin-port")
			return pingAdmin(adminPort, workdir)
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "workdir name to report status for")
	return cmd
}

func pingAdmin(adminPort int, workdir string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "getLinks",
		"params": map[string]interface{}{"workdir": workdir, "links": true},
	})
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/rpc", adminPort), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon not responding on admin port %d: %w", adminPort, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	fmt.Printf("%+v\n", out)
	return nil
}
