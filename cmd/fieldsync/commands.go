package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/deletion"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		email    string
		roles    []string
		deviceID string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionGrant{
				UserID:   userID,
				Email:    email,
				Roles:    roles,
				DeviceID: deviceID,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]interface{}{
				"access_token": token,
				"expires_in":   expiresIn,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringSliceVar(&roles, "role", []string{string(auth.RoleOfficer)}, "Roles granted to the session")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device the session is pinned to")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange changes with other devices through the bundle directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Upload pending changes and tombstones",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime()
			if err != nil {
				return err
			}
			defer closer()
			driver, err := rt.newDriver()
			if err != nil {
				return err
			}
			report, err := driver.Push(cmd.Context(), auth.SystemActor(rt.config.DeviceID))
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Apply changes uploaded by other devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime()
			if err != nil {
				return err
			}
			defer closer()
			driver, err := rt.newDriver()
			if err != nil {
				return err
			}
			report, err := driver.Pull(cmd.Context(), auth.SystemActor(rt.config.DeviceID))
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		},
	})
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		hard     bool
		force    bool
		fallback bool
	)
	cmd := &cobra.Command{
		Use:   "delete <table> <id>...",
		Short: "Delete records as the device operator",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closer, err := openRuntime()
			if err != nil {
				return err
			}
			defer closer()
			deleter, err := rt.engine.Deleter(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			opts := deletion.DeleteOptions{AllowHardDelete: hard, Force: force, FallbackToSoftDelete: fallback || !hard}
			actor := auth.SystemActor(rt.config.DeviceID)
			result, err := deleter.BatchDelete(cmd.Context(), args[1:], actor, opts)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, result); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				for id, message := range result.ErrorMessages() {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", id, message)
				}
				return fmt.Errorf("%d of %d deletes failed", len(result.Failed), len(args)-1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "Remove rows instead of marking them deleted")
	cmd.Flags().BoolVar(&force, "force", false, "Hard delete even when other rows depend on the record")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "Soft delete when dependencies prevent a hard delete")
	return cmd
}

func writeJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
