package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/prismproxy/prism/internal/metrics"
)

func newConnsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conns",
		Short: "Show the daemon's connection and dial counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap metrics.Snapshot
			if err := getJSON(addr+"/conns", &snap); err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Connections"))
			fmt.Println(field("active tcp/tls", fmt.Sprintf("%d", snap.ActiveConnections)))
			fmt.Println(field("active udp sessions", fmt.Sprintf("%d", snap.ActiveUDPSessions)))
			fmt.Println(field("tunnel clients", fmt.Sprintf("%d", snap.TunnelClients)))
			fmt.Println(field("dials ok", fmt.Sprintf("%d", snap.DialsOK)))
			fmt.Println(field("dials failed", fmt.Sprintf("%d", snap.DialsFail)))
			if !snap.LastAccept.IsZero() {
				fmt.Println(field("last accept", snap.LastAccept.Format("15:04:05 MST")))
			}
			return nil
		},
	}
}

func getJSON(url string, v any) error {
	resp, err := adminClient.Get(url)
	if err != nil {
		return fmt.Errorf("prismctl: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prismctl: %s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
