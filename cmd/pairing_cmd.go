package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nevinhive/clawgate/internal/config"
	"github.com/nevinhive/clawgate/internal/pairing"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pending pairing requests from unpaired channel users",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func pairingStorePath(cfg *config.Config) string {
	return filepath.Join(cfg.WorkspacePath(), "pairing.json")
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			svc := pairing.NewService(pairingStorePath(cfg))
			reqs := svc.List()
			if len(reqs) == 0 {
				fmt.Println("no pairing requests")
				return nil
			}
			for _, r := range reqs {
				status := "pending"
				if r.Approved {
					status = "approved"
				}
				fmt.Printf("%-8s %-10s %-12s %-20s %s\n", r.Code, status, r.Channel, r.UserID, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing request by its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			svc := pairing.NewService(pairingStorePath(cfg))
			req, err := svc.Approve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("approved %s on %s (user %s)\n", req.Code, req.Channel, req.UserID)
			return nil
		},
	}
}
