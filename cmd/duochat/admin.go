package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duochat/duochat/pkg/client"
	"github.com/duochat/duochat/pkg/model"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Moderation commands (admin role required)",
}

func init() {
	adminCmd.AddCommand(
		adminUsersCmd,
		adminReportsCmd,
		adminDeleteCmd,
		adminBanCmd,
		adminUnbanCmd,
		adminMuteCmd,
		adminUnmuteCmd,
		adminRoleCmd,
	)
}

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List all accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := cmdContext()
		defer cancel()
		users, err := eng.Gateway().AllUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			flags := ""
			if u.IsMasterAdmin {
				flags += " master"
			}
			if u.IsBanned {
				flags += " banned"
			}
			if u.IsMuted {
				flags += " muted"
			}
			fmt.Printf("%-32s %-6s %s%s\n", u.Username, u.Role, u.ChatID, flags)
		}
		return nil
	},
}

var adminReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List moderation reports, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := cmdContext()
		defer cancel()
		reports, err := eng.Gateway().AllReports(ctx)
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Printf("#%d %s: %s reported %s: %s\n",
				r.ID, r.Timestamp.Format("2006-01-02 15:04"), r.ReporterID, r.ReportedID, r.Reason)
			if r.ChatLog != "" {
				fmt.Println(r.ChatLog)
			}
		}
		return nil
	},
}

// usernameAction builds the ban/mute family of commands, which all
// take one username and print the server's confirmation.
func usernameAction(use, short string, call func(ctx context.Context, eng *client.Engine, username string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()
			msg, err := call(ctx, eng, args[0])
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

var adminDeleteCmd = usernameAction("delete", "Delete an account",
	func(ctx context.Context, eng *client.Engine, u string) (string, error) {
		return eng.Gateway().DeleteUser(ctx, u)
	})

var adminBanCmd = usernameAction("ban", "Ban an account",
	func(ctx context.Context, eng *client.Engine, u string) (string, error) {
		return eng.Gateway().BanUser(ctx, u)
	})

var adminUnbanCmd = usernameAction("unban", "Lift an account ban",
	func(ctx context.Context, eng *client.Engine, u string) (string, error) {
		return eng.Gateway().UnbanUser(ctx, u)
	})

var adminMuteCmd = usernameAction("mute", "Mute an account",
	func(ctx context.Context, eng *client.Engine, u string) (string, error) {
		return eng.Gateway().MuteUser(ctx, u)
	})

var adminUnmuteCmd = usernameAction("unmute", "Unmute an account",
	func(ctx context.Context, eng *client.Engine, u string) (string, error) {
		return eng.Gateway().UnmuteUser(ctx, u)
	})

var adminRoleCmd = &cobra.Command{
	Use:   "role <username> <user|admin>",
	Short: "Change an account's role (master admin only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[1] != "user" && args[1] != "admin" {
			return fmt.Errorf("invalid role %q (want user or admin)", args[1])
		}
		role := model.ParseRole(args[1])

		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := cmdContext()
		defer cancel()
		msg, err := eng.Gateway().ChangeRole(ctx, args[0], role)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}
