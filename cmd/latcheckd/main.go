package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/roversun/latcheck/pkg/auth"
	"github.com/roversun/latcheck/pkg/bootstrap"
	"github.com/roversun/latcheck/pkg/config"
	"github.com/roversun/latcheck/pkg/dao"
	"github.com/roversun/latcheck/pkg/dbpool"
	"github.com/roversun/latcheck/pkg/dispatcher"
	"github.com/roversun/latcheck/pkg/logging"
	"github.com/roversun/latcheck/pkg/models"
	"github.com/roversun/latcheck/pkg/session"
	"github.com/roversun/latcheck/pkg/tlstransport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "latcheckd",
	Short: "The latcheck collection server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept client connections and record latency reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap [ip_result.txt]",
	Short: "Load an ip_result.txt seed file into test_server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBootstrap(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the server config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
}

func openDB(cfg *config.ServerConfig) (*bun.DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func initSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.User)(nil),
		(*models.TestServer)(nil),
		(*models.Report)(nil),
		(*models.ReportRecord)(nil),
	}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", m, err)
		}
	}
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initSchema(ctx, db); err != nil {
		return err
	}

	pool, err := dbpool.New(ctx, db, cfg.DatabasePoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	userDAO := dao.NewUserDAO(pool)
	serverDAO := dao.NewServerDAO(pool)
	reportDAO := dao.NewReportDAO(pool)

	audit := logging.NewAuditLog(os.Stderr)
	authenticator := auth.NewAuthenticator(auth.Config{
		SessionTimeout:       cfg.Dispatcher.IdleTimeout,
		MaxLoginAttempts:     5,
		LockoutWindow:        cfg.Dispatcher.IdleTimeout,
		LockoutDuration:      cfg.Dispatcher.IdleTimeout,
		MaxRequestsPerWindow: 20,
		RateLimitWindow:      cfg.Dispatcher.IdleTimeout,
	}, userDAO, audit)

	tlsConfig, err := tlstransport.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	newSession := func(conn net.Conn, sessCfg session.Config) *session.Session {
		return session.New(conn, sessCfg, authenticator, serverDAO, reportDAO)
	}

	d := dispatcher.New(listener, tlsConfig, cfg.Dispatcher, newSession)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("latcheckd: listening", "addr", listener.Addr())
	return d.Serve(runCtx)
}

func runBootstrap(ctx context.Context, path string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := initSchema(ctx, db); err != nil {
		return err
	}

	pool, err := dbpool.New(ctx, db, cfg.DatabasePoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	serverDAO := dao.NewServerDAO(pool)
	n, err := bootstrap.LoadFile(ctx, path, serverDAO)
	if err != nil {
		return err
	}
	fmt.Printf("bootstrap: upserted %d servers from %s\n", n, path)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
