package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running node's /api/status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(target + "/api/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				fmt.Println(string(body))
				return nil
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "http://localhost:9001", "base URL of the node to query")
	return cmd
}
