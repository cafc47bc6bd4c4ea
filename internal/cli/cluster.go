package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/me/berth/pkg/model"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}
	cmd.AddCommand(
		newClusterCreateCmd(),
		newClusterListCmd(),
		newClusterGetCmd(),
		newClusterDeleteCmd(),
		newClusterStatusCmd(),
		&cobra.Command{
			Use:   "reconcile <cluster_id>",
			Short: "Retry admission of pending deployments",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Post("/api/v1/clusters/"+args[0]+"/reconcile", nil)
				if err != nil {
					return fmt.Errorf("reconcile cluster: %w", err)
				}
				var res struct {
					Admitted int `json:"admitted"`
				}
				if ok, err := decode(cmd.OutOrStdout(), resp, &res); !ok {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Admitted %d pending deployment(s)\n", res.Admitted)
				return nil
			},
		},
	)
	return cmd
}

func newClusterCreateCmd() *cobra.Command {
	var (
		spec        model.ClusterSpec
		cpu, memory float64
		gpu         int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Limit = model.NewResources(cpu, memory, gpu)
			resp, err := client.Post("/api/v1/clusters/", spec)
			if err != nil {
				return fmt.Errorf("create cluster: %w", err)
			}
			var c model.Cluster
			if ok, err := decode(cmd.OutOrStdout(), resp, &c); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cluster created: %s (%s)\n", c.ID, c.Limit)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.OrganizationID, "org", "", "Owning organization ID")
	cmd.Flags().StringVar(&spec.Name, "name", "", "Cluster name")
	cmd.Flags().StringVar(&spec.Description, "description", "", "Description")
	cmd.Flags().StringVar(&spec.CloudProvider, "provider", "", "Cloud provider")
	cmd.Flags().StringVar(&spec.Region, "region", "", "Region")
	cmd.Flags().Float64Var(&cpu, "cpu", 0, "CPU limit in cores")
	cmd.Flags().Float64Var(&memory, "memory", 0, "Memory limit in GB")
	cmd.Flags().Int64Var(&gpu, "gpu", 0, "GPU limit")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newClusterListCmd() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/clusters/" + query("organization_id", org))
			if err != nil {
				return fmt.Errorf("list clusters: %w", err)
			}
			var clusters []model.Cluster
			if ok, err := decode(cmd.OutOrStdout(), resp, &clusters); !ok {
				return err
			}
			if len(clusters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No clusters found.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCPU\tMEMORY\tGPU")
			for _, c := range clusters {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s/%s\t%d/%d\n", c.ID, c.Name, c.Status,
					c.Used.CPU, c.Limit.CPU, c.Used.Memory, c.Limit.Memory, c.Used.GPU, c.Limit.GPU)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Only clusters of this organization")
	return cmd
}

func newClusterGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cluster_id>",
		Short: "Show a cluster and its usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/clusters/" + args[0])
			if err != nil {
				return fmt.Errorf("get cluster: %w", err)
			}
			var c model.Cluster
			if ok, err := decode(cmd.OutOrStdout(), resp, &c); !ok {
				return err
			}
			printCluster(cmd.OutOrStdout(), &c)
			return nil
		},
	}
}

func printCluster(w io.Writer, c *model.Cluster) {
	fmt.Fprintf(w, "Cluster: %s\n", c.ID)
	fmt.Fprintf(w, "  Name:         %s\n", c.Name)
	fmt.Fprintf(w, "  Organization: %s\n", c.OrganizationID)
	if c.CloudProvider != "" || c.Region != "" {
		fmt.Fprintf(w, "  Location:     %s %s\n", c.CloudProvider, c.Region)
	}
	fmt.Fprintf(w, "  Status:       %s\n", c.Status)
	fmt.Fprintf(w, "  Limit:        %s\n", c.Limit)
	fmt.Fprintf(w, "  Used:         %s\n", c.Used)
	fmt.Fprintf(w, "  Available:    %s\n", c.Usage().Available())
}

func newClusterDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <cluster_id>",
		Short: "Delete a cluster and its deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/clusters/" + args[0]
			if force {
				path += query("force", "true")
			}
			if _, err := client.Delete(path); err != nil {
				return fmt.Errorf("delete cluster: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cluster deleted: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Release active reservations and delete anyway")
	return cmd
}

func newClusterStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <cluster_id> <pending|running|stopped|error>",
		Short: "Set the informational cluster status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put("/api/v1/clusters/"+args[0]+"/status", map[string]string{"status": args[1]})
			if err != nil {
				return fmt.Errorf("set cluster status: %w", err)
			}
			var c model.Cluster
			if ok, err := decode(cmd.OutOrStdout(), resp, &c); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cluster %s is %s\n", c.ID, c.Status)
			return nil
		},
	}
}
