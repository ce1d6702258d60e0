package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fixmatch/internal/config"
	"fixmatch/internal/persist"
	"fixmatch/internal/session"
)

func newHashPasswordCommand() *cobra.Command {
	var (
		cost       int
		configPath string
		username   string
		compID     uint32
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a participant password read from stdin",
		Long: "Read a password from stdin and print its bcrypt hash. With --username " +
			"the participant is also created in the users table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			hash, err := session.HashPassword(strings.TrimRight(line, "\r\n"), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))

			if username == "" {
				return nil
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			db, err := persist.Open(cfg.Persistence.Postgres)
			if err != nil {
				return err
			}
			defer persist.Close(db)

			users := session.NewGormUserStore(db)
			ctx := context.Background()
			if err := users.Migrate(ctx); err != nil {
				return err
			}
			return users.CreateUser(ctx, session.User{
				Username:     username,
				PasswordHash: hash,
				CompID:       compID,
			})
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&cost, "cost", 0, "bcrypt cost, 0 for the library default")
	fs.StringVarP(&configPath, "config", "c", "", "Path of the configuration file")
	fs.StringVar(&username, "username", "", "Create this participant in the database")
	fs.Uint32Var(&compID, "comp-id", 0, "SenderCompID assigned to the participant")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewDefault().Write(cmd.OutOrStdout())
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.NewDefault(), nil
	}
	return config.Read(path)
}
