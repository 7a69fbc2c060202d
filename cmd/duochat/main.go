// Command duochat is the terminal client: account management, one to
// one chat over the realtime channel, and the admin moderation verbs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/duochat/duochat/pkg/client"
	"github.com/duochat/duochat/pkg/creds"
	"github.com/duochat/duochat/pkg/logging"
	"github.com/duochat/duochat/pkg/transcript"
	"github.com/duochat/duochat/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:           "duochat",
	Short:         "duochat terminal client",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagServer    string
	flagDataDir   string
	flagLogLevel  string
	flagLogFormat string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", "", "server base URL (overrides config)")
	flags.StringVar(&flagDataDir, "data-dir", client.DefaultDataDir(), "directory for config, credentials, and transcript")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		registerCmd,
		loginCmd,
		logoutCmd,
		whoamiCmd,
		passwdCmd,
		chatCmd,
		adminCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config, configures logging, and builds the engine. The
// returned cleanup closes the transcript database.
func setup() (*client.Engine, func(), error) {
	cfg, err := client.LoadConfig(flagDataDir)
	if err != nil {
		return nil, nil, err
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	}); err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(flagDataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := creds.Open(flagDataDir)
	if err != nil {
		return nil, nil, err
	}
	log, err := transcript.Open(filepath.Join(flagDataDir, "transcript.db"))
	if err != nil {
		return nil, nil, err
	}

	eng, err := client.New(cfg.ServerURL, store, client.WithTranscript(log))
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := log.Close(); err != nil {
			slog.Warn("close transcript", "err", err)
		}
	}
	return eng, cleanup, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}

		ctx, cancel := cmdContext()
		defer cancel()
		chatID, err := eng.Register(ctx, args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("Registered. Your chat id is %s\n", chatID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		ctx, cancel := cmdContext()
		defer cancel()
		user, err := eng.Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (%s), chat id %s\n", user.Username, user.Role, user.ChatID)
		// The login channel only proved the handshake works; the chat
		// command opens its own. Tokens stay stored.
		eng.Close()
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and wipe stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := cmdContext()
		defer cancel()
		if err := eng.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity from the stored token (offline)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		user, err := eng.IdentityFromToken()
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s), chat id %s\n", user.Username, user.Role, user.ChatID)
		if user.IsMasterAdmin {
			fmt.Println("master admin")
		}
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change your password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		current, err := promptPassword("Current password: ")
		if err != nil {
			return err
		}
		next, err := promptPassword("New password: ")
		if err != nil {
			return err
		}

		ctx, cancel := cmdContext()
		defer cancel()
		if err := eng.Gateway().UpdatePassword(ctx, current, next); err != nil {
			return err
		}
		fmt.Println("Password updated.")
		return nil
	},
}
