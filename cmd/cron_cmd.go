package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/cron"
)

func cronStorePath(cfg *config.Config) string {
	dir := cfg.Cron.StorageDir
	if dir == "" {
		dir = filepath.Join(cfg.WorkspacePath(), "cron")
	} else {
		dir = config.ExpandHome(dir)
	}
	return filepath.Join(dir, "jobs.json")
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled cron jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			retry := cfg.Cron.ToRetryConfig()
			svc := cron.NewService(cronStorePath(cfg), &retry)
			jobs := svc.ListJobs()
			if len(jobs) == 0 {
				fmt.Println("no cron jobs")
				return nil
			}
			for _, j := range jobs {
				status := "enabled"
				if !j.Enabled {
					status = "disabled"
				}
				fmt.Printf("%-36s %-20s %-20s %-9s %s\n", j.ID, j.Name, j.Schedule, status, j.AgentID)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var agentID, message, channel, to string
	var deliver bool

	c := &cobra.Command{
		Use:   "add <name> <schedule>",
		Short: "Add a new cron job (schedule is a 5-field cron expression)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.ResolveDefaultAgentID()
			}
			retry := cfg.Cron.ToRetryConfig()
			svc := cron.NewService(cronStorePath(cfg), &retry)

			job := &cron.Job{
				Name:     args[0],
				Schedule: args[1],
				AgentID:  agentID,
				Enabled:  true,
				Payload: cron.JobPayload{
					Channel: channel,
					Message: message,
					To:      to,
					Deliver: deliver,
				},
			}
			if err := svc.AddJob(job); err != nil {
				return err
			}
			fmt.Printf("added cron job %s (%s)\n", job.ID, job.Name)
			return nil
		},
	}
	c.Flags().StringVar(&agentID, "agent", "", "target agent ID (default: the configured default agent)")
	c.Flags().StringVar(&message, "message", "Review your pending tasks.", "prompt sent to the agent on each run")
	c.Flags().StringVar(&channel, "channel", "", "delivery channel for the result, if --deliver is set")
	c.Flags().StringVar(&to, "to", "", "delivery chat ID for the result, if --deliver is set")
	c.Flags().BoolVar(&deliver, "deliver", false, "deliver the agent's reply to --channel/--to instead of discarding it")
	return c
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a cron job by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			retry := cfg.Cron.ToRetryConfig()
			svc := cron.NewService(cronStorePath(cfg), &retry)
			if err := svc.RemoveJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed cron job %s\n", args[0])
			return nil
		},
	}
}
