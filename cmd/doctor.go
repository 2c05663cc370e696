package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nevinhive/clawgate/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for common misconfiguration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Printf("[FAIL] load config: %v\n", err)
		return err
	}
	fmt.Println("[ OK ] config loaded")

	ws := cfg.WorkspacePath()
	if info, err := os.Stat(ws); err != nil {
		fmt.Printf("[WARN] workspace %s does not exist yet (will be created on first run)\n", ws)
	} else if !info.IsDir() {
		fmt.Printf("[FAIL] workspace %s exists but is not a directory\n", ws)
	} else {
		fmt.Printf("[ OK ] workspace %s\n", ws)
	}

	probe := []struct{ name, env string }{
		{"anthropic", "CLAWGATE_ANTHROPIC_API_KEY"},
		{"openai", "CLAWGATE_OPENAI_API_KEY"},
		{"openrouter", "CLAWGATE_OPENROUTER_API_KEY"},
		{"groq", "CLAWGATE_GROQ_API_KEY"},
		{"deepseek", "CLAWGATE_DEEPSEEK_API_KEY"},
		{"gemini", "CLAWGATE_GEMINI_API_KEY"},
		{"mistral", "CLAWGATE_MISTRAL_API_KEY"},
		{"xai", "CLAWGATE_XAI_API_KEY"},
	}
	found := 0
	for _, p := range probe {
		if os.Getenv(p.env) != "" {
			fmt.Printf("[ OK ] %s provider key set (%s)\n", p.name, p.env)
			found++
		}
	}
	if found == 0 {
		fmt.Println("[WARN] no provider API keys set in the environment")
	}

	if !cfg.Channels.Telegram.Enabled && !cfg.Channels.Discord.Enabled {
		fmt.Println("[WARN] no channel (Telegram/Discord) configured")
	} else {
		fmt.Println("[ OK ] at least one channel configured")
	}

	if cfg.Gateway.Token == "" {
		fmt.Println("[WARN] gateway.token is empty; /exec and /chat accept requests without authentication")
	} else {
		fmt.Println("[ OK ] gateway token set")
	}

	return nil
}
