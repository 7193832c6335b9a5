package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/printer"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/internal/server"
	"github.com/funnyzak/rewind/internal/storage"
	"github.com/funnyzak/rewind/internal/web"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rewind",
	Short: "Record HTTP traffic, replay it, and turn it into tests",
	Long: `Rewind captures the HTTP requests your service receives, stores them,
and lets you replay them against any target, diff the responses against the
recording, and generate Go tests, Postman collections or HAR files from them.

Running rewind without a subcommand starts the recording server.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recording server",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("path", "", "URL path prefix to record")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.StringP("output", "o", "", "Output mode (console, json)")
	flags.Bool("silence", false, "Do not print captured exchanges")

	flags.String("storage-driver", "", "Storage driver (memory, file, sqlite)")
	flags.String("storage-path", "", "Storage file or database path")
	flags.Int("storage-max-entries", 0, "Maximum number of exchanges to retain")
	flags.Bool("record", true, "Start with recording enabled")
	flags.String("replay-base-url", "", "Default replay target")

	flags.Bool("web-enable", false, "Enable/disable the admin API")
	flags.String("web-admin-path", "", "Admin API path")
	flags.Bool("web-auth-enable", false, "Require a bearer token on the admin API")
	flags.StringSlice("web-auth-tokens", []string{}, "Accepted admin API tokens")

	bindFlags(rootCmd)

	rootCmd.AddCommand(serveCmd, versionCmd)
	rootCmd.AddCommand(newDataCommands()...)
}

func bindFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"server.port":                   "port",
		"server.path":                   "path",
		"log.level":                     "log-level",
		"log.file_logging.enable":       "log-file-enable",
		"log.file_logging.path":         "log-file-path",
		"log.file_logging.max_size_mb":  "log-file-max-size",
		"log.file_logging.max_backups":  "log-file-max-backups",
		"log.file_logging.max_age_days": "log-file-max-age",
		"log.file_logging.compress":     "log-file-compress",
		"output.mode":                   "output",
		"output.silence":                "silence",
		"storage.driver":                "storage-driver",
		"storage.path":                  "storage-path",
		"storage.max_entries":           "storage-max-entries",
		"recorder.enable":               "record",
		"replay.base_url":               "replay-base-url",
		"web.enable":                    "web-enable",
		"web.admin_path":                "web-admin-path",
		"web.auth.enable":               "web-auth-enable",
		"web.auth.tokens":               "web-auth-tokens",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}
}

// loadConfig reads the configuration with flags taking priority.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateAdminPathConflict(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)
	printStartupBanner(cfg, log)

	backend, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	sinks := recorder.MultiSink{recorder.SinkFunc(func(e recorder.Event) {
		log.Debug("Recorder event", "type", string(e.Type), "id", e.ID)
	})}
	var hub *web.Hub
	if cfg.Web.Enable {
		hub = web.NewHub(log)
		sinks = append(sinks, hub)
	}
	rec := recorder.New(backend, recorder.OptionsFromConfig(&cfg.Recorder), log, sinks)
	engine := replay.New(rec, replay.OptionsFromConfig(&cfg.Replay, cfg.Recorder.RedactionToken), log)

	srv := server.New(cfg, log, server.Dependencies{
		Recorder: rec,
		Engine:   engine,
		Hub:      hub,
		Printer:  printer.New(cfg.Output.Mode, log, &cfg.Output),
	})
	return srv.Start()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("Rewind version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func printStartupBanner(cfg *config.Config, log logger.Logger) {
	titleLine := fmt.Sprintf("Rewind v%s", version)
	subtitleLine := "HTTP Record, Replay & Test Generation"

	var lines []string

	watchPath := cfg.Server.Path
	if watchPath == "/" {
		watchPath = "/ (All Paths)"
	}
	recording := "Enabled"
	if !cfg.Recorder.Enable {
		recording = "Paused"
	}
	lines = append(lines, fmt.Sprintf("Listening on:    http://0.0.0.0:%d%s", cfg.Server.Port, cfg.Server.Path))
	lines = append(lines, fmt.Sprintf("Recording Path:  %s", watchPath))
	lines = append(lines, fmt.Sprintf("Recording:       %s", recording))
	lines = append(lines, fmt.Sprintf("Log Level:       %s", cfg.Log.Level))

	lines = append(lines, "")
	storageLine := fmt.Sprintf("Storage:         %s (max %d)", cfg.Storage.Driver, cfg.Storage.MaxEntries)
	if cfg.Storage.Path != "" && cfg.Storage.Driver != "memory" {
		storageLine += " " + cfg.Storage.Path
	}
	lines = append(lines, storageLine)
	if cfg.Replay.BaseURL != "" {
		lines = append(lines, fmt.Sprintf("Replay Target:   %s", cfg.Replay.BaseURL))
	}

	lines = append(lines, "")
	if cfg.Web.Enable {
		lines = append(lines, "Admin API:       Enabled")
		lines = append(lines, fmt.Sprintf("  └─ Path:       %s", cfg.Web.AdminPath))
		if cfg.Web.Auth.Enable {
			lines = append(lines, fmt.Sprintf("  └─ Auth:       Bearer (%d token(s))", len(cfg.Web.Auth.Tokens)))
		} else {
			lines = append(lines, "  └─ Auth:       Disabled")
		}
	} else {
		lines = append(lines, "Admin API:       Disabled")
	}

	lines = append(lines, "")
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, "File Logging:    Enabled")
		lines = append(lines, fmt.Sprintf("  └─ %s (%dMB, %d backups, %d days)",
			cfg.Log.FileLogging.Path,
			cfg.Log.FileLogging.MaxSizeMB,
			cfg.Log.FileLogging.MaxBackups,
			cfg.Log.FileLogging.MaxAgeDays))
	} else {
		lines = append(lines, "File Logging:    Disabled")
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")

	maxLength := max(runewidth.StringWidth(titleLine), runewidth.StringWidth(subtitleLine))
	for _, line := range lines {
		if w := runewidth.StringWidth(line); w > maxLength {
			maxLength = w
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Println()
	printBoxBorder("┌", "┐", boxWidth)
	printBoxContent(titleLine, boxWidth, true)
	printBoxContent(subtitleLine, boxWidth, true)
	printBoxBorder("├", "┤", boxWidth)
	for _, line := range lines {
		printBoxContent(line, boxWidth, false)
	}
	printBoxBorder("└", "┘", boxWidth)
	fmt.Println()

	log.Info("Rewind starting",
		"version", version,
		"port", cfg.Server.Port,
		"path", cfg.Server.Path,
		"storage", cfg.Storage.Driver,
		"recording", cfg.Recorder.Enable,
		"web_enable", cfg.Web.Enable,
		"web_admin_path", cfg.Web.AdminPath,
		"web_auth", cfg.Web.Auth.Enable,
	)
}

func printBoxBorder(left, right string, width int) {
	fmt.Printf("%s%s%s\n", left, strings.Repeat("─", width-2), right)
}

func printBoxContent(content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}

// validateAdminPathConflict rejects an admin path that the recorded
// surface would shadow.
func validateAdminPathConflict(cfg *config.Config) error {
	if cfg == nil || !cfg.Web.Enable {
		return nil
	}
	serverPath := normalizeConfigPath(cfg.Server.Path)
	adminPath := normalizeConfigPath(cfg.Web.AdminPath)
	if adminPath == "/" || (serverPath != "/" && pathsOverlap(serverPath, adminPath)) {
		return fmt.Errorf("web.admin_path (%s) conflicts with server.path (%s); please configure different values", cfg.Web.AdminPath, cfg.Server.Path)
	}
	return nil
}

func normalizeConfigPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	aPrefix := strings.TrimRight(a, "/") + "/"
	bPrefix := strings.TrimRight(b, "/") + "/"
	return strings.HasPrefix(aPrefix, bPrefix) || strings.HasPrefix(bPrefix, aPrefix)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
