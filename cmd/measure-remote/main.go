package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flapmax/measure-remote/internal/config"
	"github.com/flapmax/measure-remote/internal/doctor"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/hostexec"
	"github.com/flapmax/measure-remote/internal/provision"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfgFile string

func main() {
	// Load .env if present (no error if missing - production uses real env vars)
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "measure-remote",
	Short:         "Run benchmark and fine-tuning jobs on your own hosts",
	Long:          "measure-remote registers SSH-reachable hosts as compute environments, installs the container runtime on them and runs benchmark and fine-tuning jobs in the job container.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install the container runtime and job image on a host",
	Long:  "Connect to a host over SSH, record its hardware and bring it to ready-for-jobs without storing anything.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("host")
		user, _ := cmd.Flags().GetString("user")
		keyPath, _ := cmd.Flags().GetString("key-file")
		password, _ := cmd.Flags().GetString("password")
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.SSH.Port = port
		}

		cred := hostconn.Credential{Password: password}
		if keyPath != "" {
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			cred.PrivateKey = key
		}

		logger := slog.Default()
		connector, err := newConnector(cfg, logger)
		if err != nil {
			return err
		}
		svc := provision.New(serviceConfig(cfg), provision.Deps{
			Connector: connector,
			Installer: newInstaller(cfg, logger),
		}, logger)

		res, err := svc.ProvisionHost(cmd.Context(), host, user, cred)
		printProvisionResult(os.Stdout, host, res, os.Getenv("NO_COLOR") == "")
		return err
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that a host is ready to run jobs",
	Long:  "Validate the OS, container runtime, job image, firewall and sudo setup of a host. Without --host the local machine is checked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("host")

		var run hostexec.RunFunc
		if host == "" || host == "localhost" {
			run = hostexec.NewLocal()
		} else {
			user, _ := cmd.Flags().GetString("user")
			keyPath, _ := cmd.Flags().GetString("key-file")
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = cfg.SSH.Port
			}
			run = hostexec.NewSSH(host, user, port, keyPath)
		}

		useColor := os.Getenv("NO_COLOR") == ""
		fmt.Println()
		fmt.Println("  Checking host readiness...")
		fmt.Println()

		results := doctor.RunAll(cmd.Context(), run, doctor.Target{
			Image: cfg.Containers.Benchmark.Image,
			Port:  cfg.Firewall.Port,
		})
		allPassed := doctor.PrintResults(results, os.Stdout, useColor)
		fmt.Println()

		if !allPassed {
			os.Exit(1)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		short := commit
		if len(short) > 7 {
			short = short[:7]
		}
		fmt.Printf("measure-remote %s (%s, %s)\n", version, short, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.measure-remote/config.yaml)")

	provisionCmd.Flags().String("host", "", "host address")
	provisionCmd.Flags().StringP("user", "u", "root", "SSH user")
	provisionCmd.Flags().StringP("key-file", "i", "", "private key file")
	provisionCmd.Flags().String("password", "", "SSH password (adds a passwordless sudo entry)")
	provisionCmd.Flags().Int("port", 0, "SSH port (default from config)")
	_ = provisionCmd.MarkFlagRequired("host")
	provisionCmd.MarkFlagsOneRequired("key-file", "password")
	provisionCmd.MarkFlagsMutuallyExclusive("key-file", "password")

	doctorCmd.Flags().String("host", "", "host address (default: localhost)")
	doctorCmd.Flags().StringP("user", "u", "root", "SSH user")
	doctorCmd.Flags().StringP("key-file", "i", "", "private key file")
	doctorCmd.Flags().Int("port", 0, "SSH port (default from config)")

	rootCmd.AddCommand(serveCmd, provisionCmd, doctorCmd, versionCmd)
}

// loadConfig reads the config file, validates it and installs the logger.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".measure-remote", "config.yaml")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	slog.SetDefault(setupLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

func setupLogger(levelStr, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
