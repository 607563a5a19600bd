// Command anonctl is a small operator CLI that exercises a running
// anonymizerd's control-plane HTTP surface: PHI CSV export, prior-site
// Java index import, and the move/export abort switches.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var addr string

	root := &cobra.Command{
		Use:   "anonctl",
		Short: "operator CLI for a running anonymizerd control plane",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8420", "anonymizerd control-plane base URL")

	root.AddCommand(
		exportCSVCmd(&addr),
		importJavaIndexCmd(&addr),
		abortMoveCmd(&addr),
		abortExportCmd(&addr),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anonctl:", err)
		os.Exit(2)
	}
}

func exportCSVCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export-csv",
		Short: "write a fresh PHI CSV export and print its path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*addr+"/admin/phi-csv", nil)
		},
	}
}

func importJavaIndexCmd(addr *string) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import-java-index",
		Short: "seed the PHI index from a prior site's exported index",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open java index: %w", err)
			}
			defer f.Close()
			return postAndPrint(*addr+"/admin/import-java-index", f)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "path to the exported java index (CSV)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func abortMoveCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort-move",
		Short: "abort any in-flight retrieval moves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*addr+"/admin/abort-move", nil)
		},
	}
}

func abortExportCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort-export",
		Short: "abort any in-flight export batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*addr+"/admin/abort-export", nil)
		},
	}
}

func postAndPrint(url string, body io.Reader) error {
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}
