package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serviceView mirrors internal/admin's tunnelServiceView JSON shape.
type serviceView struct {
	ClientID  string `json:"client_id"`
	Name      string `json:"name"`
	Proto     string `json:"proto"`
	RouteOnly bool   `json:"route_only"`
	Primary   bool   `json:"primary"`
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List services registered over the reverse tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []serviceView
			if err := getJSON(addr+"/tunnel/services", &views); err != nil {
				return err
			}

			if len(views) == 0 {
				fmt.Println(dimStyle.Render("no tunnel services registered"))
				return nil
			}

			fmt.Println(titleStyle.Render("Tunnel services"))
			for _, v := range views {
				role := dimStyle.Render("backup")
				if v.Primary {
					role = successStyle.Render("primary")
				}
				route := ""
				if v.RouteOnly {
					route = dimStyle.Render(" (route-only)")
				}
				fmt.Printf("  %s  %-6s  %s  client=%s%s\n",
					role, v.Proto, valueStyle.Render(v.Name), v.ClientID, route)
			}
			return nil
		},
	}
}
