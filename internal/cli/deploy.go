package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/berth/pkg/model"
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deploy",
		Aliases: []string{"deployment"},
		Short:   "Manage deployments",
	}
	cmd.AddCommand(
		newDeployCreateCmd(),
		newDeployListCmd(),
		newDeployGetCmd(),
		newDeployDependCmd(),
		newDeployActionCmd("complete", "Mark a running deployment completed", "complete"),
		newDeployActionCmd("requeue", "Return a preempted deployment to the queue", "requeue"),
		newDeployFailCmd(),
		&cobra.Command{
			Use:   "delete <deployment_id>",
			Short: "Delete a deployment, releasing its reservation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := client.Delete("/api/v1/deployments/" + args[0]); err != nil {
					return fmt.Errorf("delete deployment: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deployment deleted: %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

type deploymentRequest struct {
	ClusterID string `json:"cluster_id"`
	model.DeploymentSpec
}

func newDeployCreateCmd() *cobra.Command {
	var (
		req         deploymentRequest
		priority    string
		cpu, memory float64
		gpu         int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a deployment for admission",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePriority(priority)
			if err != nil {
				return err
			}
			req.Priority = &p
			req.Request = model.NewResources(cpu, memory, gpu)

			resp, err := client.Post("/api/v1/deployments/", req)
			if err != nil {
				return fmt.Errorf("create deployment: %w", err)
			}
			var d model.Deployment
			if ok, err := decode(cmd.OutOrStdout(), resp, &d); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment created: %s (%s)\n", d.ID, d.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ClusterID, "cluster", "", "Target cluster ID")
	cmd.Flags().StringVar(&req.Name, "name", "", "Deployment name")
	cmd.Flags().StringVar(&req.Description, "description", "", "Description")
	cmd.Flags().StringVar(&priority, "priority", "MEDIUM", "Priority (LOW, MEDIUM, HIGH, CRITICAL)")
	cmd.Flags().Float64Var(&cpu, "cpu", 0, "CPU cores requested")
	cmd.Flags().Float64Var(&memory, "memory", 0, "Memory requested in GB")
	cmd.Flags().Int64Var(&gpu, "gpu", 0, "GPUs requested")
	cmd.Flags().StringSliceVar(&req.DependencyIDs, "depends-on", nil, "Deployment IDs that must complete first")
	cmd.MarkFlagRequired("cluster")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newDeployListCmd() *cobra.Command {
	var (
		clusterID, orgID, state string
		limit, offset           int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query(
				"cluster_id", clusterID,
				"organization_id", orgID,
				"state", state,
				"limit", strconv.Itoa(limit),
				"offset", strconv.Itoa(offset),
			)
			resp, err := client.Get("/api/v1/deployments/" + q)
			if err != nil {
				return fmt.Errorf("list deployments: %w", err)
			}
			var deps []model.Deployment
			if ok, err := decode(cmd.OutOrStdout(), resp, &deps); !ok {
				return err
			}
			out := cmd.OutOrStdout()
			if len(deps) == 0 {
				fmt.Fprintln(out, "No deployments found.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPRIORITY\tCPU\tMEMORY\tGPU\tCREATED")
			for _, d := range deps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.State, d.Priority,
					d.Request.CPU, d.Request.Memory, d.Request.GPU, formatTime(&d.CreatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(deps), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterID, "cluster", "", "Filter by cluster ID")
	cmd.Flags().StringVar(&orgID, "org", "", "Filter by organization ID")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

// deploymentView mirrors the server's GET response.
type deploymentView struct {
	model.Deployment
	Blocked bool `json:"blocked"`
}

func newDeployGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment_id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/deployments/" + args[0])
			if err != nil {
				return fmt.Errorf("get deployment: %w", err)
			}
			var v deploymentView
			if ok, err := decode(cmd.OutOrStdout(), resp, &v); !ok {
				return err
			}
			printDeployment(cmd.OutOrStdout(), &v.Deployment, v.Blocked)
			return nil
		},
	}
}

func printDeployment(w io.Writer, d *model.Deployment, blocked bool) {
	fmt.Fprintf(w, "Deployment: %s\n", d.ID)
	fmt.Fprintf(w, "  Name:      %s\n", d.Name)
	fmt.Fprintf(w, "  Cluster:   %s\n", d.ClusterID)
	fmt.Fprintf(w, "  State:     %s\n", d.State)
	if blocked {
		fmt.Fprintln(w, "  Blocked:   yes (a dependency will never complete)")
	}
	fmt.Fprintf(w, "  Priority:  %s\n", d.Priority)
	fmt.Fprintf(w, "  Request:   %s\n", d.Request)
	if len(d.DependsOn) > 0 {
		fmt.Fprintf(w, "  Depends:   %v\n", d.DependsOn)
	}
	if d.Message != "" {
		fmt.Fprintf(w, "  Message:   %s\n", d.Message)
	}
	fmt.Fprintf(w, "  Created:   %s\n", formatTime(&d.CreatedAt))
	fmt.Fprintf(w, "  Scheduled: %s\n", formatTime(d.ScheduledAt))
	fmt.Fprintf(w, "  Started:   %s\n", formatTime(d.StartedAt))
	fmt.Fprintf(w, "  Finished:  %s\n", formatTime(d.CompletedAt))
}

func newDeployDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <deployment_id> <dependency_id>",
		Short: "Make a pending deployment wait for another deployment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/deployments/"+args[0]+"/dependencies",
				map[string]string{"dependency_id": args[1]})
			if err != nil {
				return fmt.Errorf("add dependency: %w", err)
			}
			var d model.Deployment
			if ok, err := decode(cmd.OutOrStdout(), resp, &d); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s now depends on %v\n", d.ID, d.DependsOn)
			return nil
		},
	}
}

// newDeployActionCmd builds a command that POSTs to /deployments/{id}/<action>.
func newDeployActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deployment_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/deployments/"+args[0]+"/"+action, nil)
			if err != nil {
				return fmt.Errorf("%s deployment: %w", action, err)
			}
			var d model.Deployment
			if ok, err := decode(cmd.OutOrStdout(), resp, &d); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s: %s\n", d.ID, d.State)
			return nil
		},
	}
}

func newDeployFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <deployment_id>",
		Short: "Mark a running deployment failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/deployments/"+args[0]+"/fail", map[string]string{"reason": reason})
			if err != nil {
				return fmt.Errorf("fail deployment: %w", err)
			}
			var d model.Deployment
			if ok, err := decode(cmd.OutOrStdout(), resp, &d); !ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s: %s (%s)\n", d.ID, d.State, d.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "reported failed", "Failure reason")
	return cmd
}
