package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roversun/latcheck/pkg/client"
	"github.com/roversun/latcheck/pkg/config"
	"github.com/roversun/latcheck/pkg/tlstransport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "latcheck",
	Short: "The latcheck probing client",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Log in, fetch the target list, probe it, and upload a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context())
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Verify the configured credentials against the server without probing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return loginOnly(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the client config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
}

func newOrchestrator(cfg *config.ClientConfig) (*client.Orchestrator, error) {
	tlsConfig, err := tlstransport.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		ServerAddr: fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Username:   cfg.Username,
		Password:   cfg.Password,
		Location:   cfg.Location,
		Workers:    cfg.Workers,
	}, tlsConfig), nil
}

func runOnce(ctx context.Context) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	orchestrator, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	results, err := orchestrator.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("latcheck: run complete", "targets", len(results))
	return nil
}

func loginOnly(ctx context.Context) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	orchestrator, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	if err := orchestrator.Login(ctx); err != nil {
		return err
	}

	slog.Info("latcheck: login succeeded", "user", cfg.Username)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
