package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/berth/pkg/model"
)

func newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create an organization",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Post("/api/v1/organizations/", map[string]string{"name": args[0]})
				if err != nil {
					return fmt.Errorf("create organization: %w", err)
				}
				var org model.Organization
				if ok, err := decode(cmd.OutOrStdout(), resp, &org); !ok {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Organization created: %s (%s)\n", org.ID, org.Name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List organizations",
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Get("/api/v1/organizations/")
				if err != nil {
					return fmt.Errorf("list organizations: %w", err)
				}
				var orgs []model.Organization
				if ok, err := decode(cmd.OutOrStdout(), resp, &orgs); !ok {
					return err
				}
				if len(orgs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No organizations found.")
					return nil
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tNAME\tCREATED")
				for _, o := range orgs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", o.ID, o.Name, formatTime(&o.CreatedAt))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "resources <org_id>",
			Short: "Show quota and usage across an organization's clusters",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Get("/api/v1/organizations/" + args[0] + "/resources")
				if err != nil {
					return fmt.Errorf("get organization resources: %w", err)
				}
				var u model.OrganizationUsage
				if ok, err := decode(cmd.OutOrStdout(), resp, &u); !ok {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Organization: %s\n", u.OrganizationID)
				fmt.Fprintf(out, "  Clusters:  %d\n", u.Clusters)
				fmt.Fprintf(out, "  Total:     %s\n", u.Total)
				fmt.Fprintf(out, "  Used:      %s\n", u.Used)
				fmt.Fprintf(out, "  Quota:     %s\n", u.Quota)
				fmt.Fprintf(out, "  Remaining: %s\n", u.Remaining)
				return nil
			},
		},
	)
	return cmd
}
