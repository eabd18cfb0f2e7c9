package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newHealthzCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon's admin surface is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminClient.Get(addr + "/healthz")
			if err != nil {
				return fmt.Errorf("prismctl: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != 200 {
				fmt.Println(errorStyle.Render(fmt.Sprintf("unhealthy (%s)", resp.Status)))
				return fmt.Errorf("prismctl: healthz returned %s", resp.Status)
			}
			fmt.Println(successStyle.Render(string(body)))
			return nil
		},
	}
}
