package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's route table from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminClient.Post(addr+"/reload", "application/json", nil)
			if err != nil {
				return fmt.Errorf("prismctl: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				var payload struct {
					Error string `json:"error"`
				}
				if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
					fmt.Println(errorStyle.Render(payload.Error))
				}
				return fmt.Errorf("prismctl: reload returned %s", resp.Status)
			}
			fmt.Println(successStyle.Render("routes reloaded"))
			return nil
		},
	}
}
