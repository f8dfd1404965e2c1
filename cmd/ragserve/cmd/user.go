package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/querystack/ragserve/internal/auth"
	"github.com/querystack/ragserve/internal/config"
	"github.com/querystack/ragserve/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUserCreateCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var password string
	var admin bool

	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd.Context(), args[0], password, admin)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password for the new account (required)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant administrator privileges")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func runUserCreate(ctx context.Context, username, password string, admin bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var pwned *auth.PwnedChecker
	if cfg.Auth.PwnedPasswordCheck {
		pwned = auth.NewPwnedChecker("", 0, logger)
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	limiter := auth.NewLoginLimiter(cfg.Auth.MaxFailedLogins, time.Duration(cfg.Auth.LockoutSeconds)*time.Second)
	svc := auth.NewService(st.Users, tokens, limiter, pwned, logger)

	if err := svc.ValidatePassword(ctx, password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      admin,
	}
	if err := st.Users.Create(ctx, user); err != nil {
		return err
	}
	fmt.Printf("created user %s (id %s, admin=%t)\n", username, user.ID, admin)
	return nil
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	return cmd
}

func newAPIKeyCreateCmd() *cobra.Command {
	var userID string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAPIKeyCreate(cmd.Context(), userID, expiresIn)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User the key authenticates as (required)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime (0 means no expiry)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runAPIKeyCreate(ctx context.Context, userID string, expiresIn time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	_, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.Users.ByID(ctx, userID); err != nil {
		return err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}
	key := &store.APIKey{
		Key:    "rs-" + hex.EncodeToString(raw),
		UserID: &userID,
		Active: true,
	}
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		key.ExpiresAt = &t
	}
	if err := st.APIKeys.Create(ctx, key); err != nil {
		return err
	}
	fmt.Printf("created api key: %s\n", key.Key)
	return nil
}
