package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/mailer"
	"github.com/bedrockdb/bedrock/internal/migrations"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersAdd,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user accounts",
	RunE:  runUsersList,
}

func init() {
	usersAddCmd.Flags().String("password", "", "Password (generated when omitted)")
	usersAddCmd.Flags().Bool("admin", false, "Grant admin privileges")
	usersAddCmd.Flags().Bool("verified", true, "Mark the email as verified")

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
}

// openAuth opens the database directly and builds an auth service for
// offline administration. The server does not need to be running.
func openAuth(cmd *cobra.Command) (*auth.Service, *db.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	d, err := db.Open(filepath.Join(cfg.Server.DataDir, "bedrock.db"), logger)
	if err != nil {
		return nil, nil, err
	}

	runner := migrations.NewRunner(d, logger, filepath.Join(cfg.Server.DataDir, "migrations"))
	if err := runner.Bootstrap(cmd.Context()); err != nil {
		d.Close()
		return nil, nil, err
	}
	if _, err := runner.Run(cmd.Context()); err != nil {
		d.Close()
		return nil, nil, err
	}

	key, err := auth.LoadOrGenerateKey(cfg.Server.DataDir)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	svc, err := auth.NewService(d, config.NewHolder(cfg), key, mailer.New(cfg.Email, logger), logger)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return svc, d, nil
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	email := args[0]
	password, _ := cmd.Flags().GetString("password")
	admin, _ := cmd.Flags().GetBool("admin")
	verified, _ := cmd.Flags().GetBool("verified")

	generated := false
	if password == "" {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		password = hex.EncodeToString(b)
		generated = true
	}

	svc, d, err := openAuth(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	u, err := svc.CreateUser(context.Background(), email, password, admin, verified)
	if err != nil {
		return err
	}

	id, err := uuid.FromBytes(u.ID)
	if err != nil {
		return err
	}
	fmt.Printf("created user %s (%s)\n", u.Email, id)
	if generated {
		fmt.Printf("password: %s\n", password)
	}
	return nil
}

func runUsersList(cmd *cobra.Command, args []string) error {
	svc, d, err := openAuth(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	users, err := svc.ListUsers(context.Background(), 1000, 0)
	if err != nil {
		return err
	}
	for _, u := range users {
		role := "user"
		if u.Admin {
			role = "admin"
		}
		fmt.Printf("%s\t%s\t%s\tverified=%v\n",
			base64.RawURLEncoding.EncodeToString(u.ID), u.Email, role, u.Verified)
	}
	return nil
}
