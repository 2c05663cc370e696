package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent conversation sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentID string

	c := &cobra.Command{
		Use:   "list",
		Short: "List sessions for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.ResolveDefaultAgentID()
			}
			mgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
			infos := mgr.List(agentID)
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, si := range infos {
				fmt.Printf("%-60s %5d msgs  updated %s\n", si.Key, si.MessageCount, si.Updated.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	c.Flags().StringVar(&agentID, "agent", "", "agent ID to list sessions for (default: the configured default agent)")
	return c
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Clear the message history for a session, keeping its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			mgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
			mgr.Reset(args[0])
			if err := mgr.Save(args[0]); err != nil {
				return err
			}
			fmt.Printf("reset session %s\n", args[0])
			return nil
		},
	}
}
