// Command suibase-proxyd is the sidecar proxy daemon's entrypoint, built
// with spf13/cobra the way the teacher's cmd/caddy is laid out: run and
// reload in their own files, version here beside a shared root command
// wiring persistent flags.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "suibase-proxyd",
		Short: "JSON-RPC/WebSocket proxy sidecar for blockchain workdirs",
	}
	root.PersistentFlags().String("workdirs-root", defaultWorkdirsRoot(), "directory containing one subdirectory per workdir")
	root.PersistentFlags().Bool("debug", false, "enable debug-level logging")
	root.PersistentFlags().Bool("json-logs", false, "emit logs as JSON instead of console text")
	root.PersistentFlags().Int("admin-port", 44399, "port for the admin JSON-RPC surface and /metrics")

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(reloadCmd())
	return root
}

func defaultWorkdirsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".suibase/workdirs"
	}
	return home + "/.suibase/workdirs"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
