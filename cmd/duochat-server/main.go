package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/duochat/duochat/pkg/logging"
	"github.com/duochat/duochat/pkg/server"
	"github.com/duochat/duochat/pkg/store"
	"github.com/duochat/duochat/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:          "duochat-server",
	Short:        "duochat server: account REST API and realtime chat hub",
	Version:      version.Full(),
	RunE:         runServer,
	SilenceUsage: true,
}

var createMasterAdminCmd = &cobra.Command{
	Use:   "create-master-admin <username>",
	Short: "Create or promote the master admin account",
	Long: `Create the master admin account, prompting for its password.

If the account already exists it is promoted instead: role set to
admin, ban and mute lifted, password replaced. Role changes through
the API require a master admin, so run this once per deployment.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreateMasterAdmin,
}

var (
	flagConfig    string
	flagAddr      string
	flagDB        string
	flagSecret    string
	flagLogLevel  string
	flagLogFormat string
)

func init() {
	pflags := rootCmd.PersistentFlags()
	pflags.StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	pflags.StringVar(&flagDB, "db", "", "SQLite database file path (overrides config)")
	pflags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pflags.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")

	flags := rootCmd.Flags()
	flags.StringVar(&flagAddr, "addr", "", "HTTP bind address (overrides config)")
	flags.StringVar(&flagSecret, "jwt-secret", "", "JWT signing secret (overrides config and DUOCHAT_JWT_SECRET)")

	rootCmd.AddCommand(createMasterAdminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies the persistent flag overrides and sets up logging.
func loadConfig() (server.Config, error) {
	cfg, err := server.LoadConfig(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
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
	}); err != nil {
		return cfg, fmt.Errorf("invalid logging config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagSecret != "" {
		cfg.JWTSecret = flagSecret
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	srv, err := server.New(cfg, st)
	if err != nil {
		return err
	}
	return srv.Run()
}

func runCreateMasterAdmin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

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

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	created, err := server.BootstrapMasterAdmin(st, args[0], password)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Master admin %q created.\n", args[0])
	} else {
		fmt.Printf("Existing account %q promoted to master admin.\n", args[0])
	}
	return nil
}

// promptPassword reads a password without echo, falling back to plain
// reads when stdin is not a terminal (tests, pipes).
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
