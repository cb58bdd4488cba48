package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/tgvault/internal/archive"
	"github.com/stellarlinkco/tgvault/internal/config"
	"github.com/stellarlinkco/tgvault/internal/server"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tgvault",
	Short: "tgvault - expose a personal Telegram account to AI agents over MCP",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Authenticate, build the dialog index and serve the MCP endpoint",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tgvault status",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Options{Version: version})
	if err != nil {
		return err
	}
	return srv.Run(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Endpoint: http://%s/mcp\n", cfg.Addr())
	fmt.Printf("Data dir: %s\n", cfg.Archive.DataDir)
	if cfg.Telegram.APIID != 0 && cfg.Telegram.APIHash != "" {
		fmt.Println("API credentials: set")
	} else {
		fmt.Println("API credentials: not set")
	}
	if cfg.Telegram.Phone != "" {
		fmt.Printf("Phone: %s\n", cfg.Telegram.Phone)
	} else {
		fmt.Println("Phone: not set")
	}

	sess := &telegram.FileSession{Path: cfg.SessionPath()}
	if sess.Exists() {
		fmt.Printf("Session: %s\n", cfg.SessionPath())
	} else {
		fmt.Println("Session: none (serve will run the interactive login)")
	}

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		fmt.Println("Archive: empty")
		return nil
	}
	store, err := archive.OpenStore(cfg.DBPath())
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	jobs, err := store.ListJobs()
	if err != nil {
		fmt.Printf("Archive: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Archive jobs: %d\n", len(jobs))
	for _, j := range jobs {
		fmt.Printf("  %s (%s): %s, %d/%d messages\n",
			j.ChannelID, j.PeerTitle, j.Status, j.MessageCount, j.TargetMessageCount)
	}
	return nil
}
