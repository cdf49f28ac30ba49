package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/api"
	"github.com/BTreeMap/ScanPipe/internal/auth"
	"github.com/BTreeMap/ScanPipe/internal/bluetooth"
	"github.com/BTreeMap/ScanPipe/internal/camera"
	"github.com/BTreeMap/ScanPipe/internal/directory"
	"github.com/BTreeMap/ScanPipe/internal/lockfile"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/notify"
	"github.com/BTreeMap/ScanPipe/internal/orchestrator"
	"github.com/BTreeMap/ScanPipe/internal/recovery"
	"github.com/BTreeMap/ScanPipe/internal/report"
	"github.com/BTreeMap/ScanPipe/internal/scheduler"
	"github.com/BTreeMap/ScanPipe/internal/session"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/BTreeMap/ScanPipe/internal/trigger"
	"github.com/BTreeMap/ScanPipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
)

// Default configuration constants
const (
	// DefaultStateDir holds the run database, pictures, cached reports and the lock
	DefaultStateDir = "/var/lib/scanpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "scanpipe.db"
	// DefaultCameraCommand captures a still on Raspberry Pi camera stacks
	DefaultCameraCommand = "libcamera-still -n -t 1 -o " + camera.OutputPlaceholder
	// DefaultOutboxPollInterval is how often queued notifications are sent
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultConnectTimeout bounds the scanner connect attempted at startup
	DefaultConnectTimeout = 30 * time.Second
	// DefaultCropAspect crops pictures to the report's 4:3 frame
	DefaultCropAspect = 4.0 / 3.0
	// DefaultMaxWidth downsizes pictures before upload
	DefaultMaxWidth = 1600
	// DefaultRefreshSchedule reloads the doctor and patient lists
	DefaultRefreshSchedule = "*/30 * * * *"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ScanPipe", "state_dir", *flags.stateDir, "simulate", *flags.simulate)
	if err := run(ctx, flags); err != nil {
		slog.Error("ScanPipe failed to run", "error", err)
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		os.Exit(1)
	}
	slog.Info("ScanPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	Station        string
	APIBase        string
	Token          string
	TokenFile      string
	DBDSN          string
	APIAddr        string
	DevicePassword string
	DevicePattern  string
	CameraCommand  string
	RefreshCron    string
	DeviceCooldown time.Duration
	TriggerDelay   time.Duration
	Simulate       bool
	QR             bool
	LogLevel       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	station        *string
	apiBase        *string
	token          *string
	tokenFile      *string
	dbDSN          *string
	apiAddr        *string
	devicePassword *string
	devicePattern  *string
	cameraCommand  *string
	refreshCron    *string
	deviceCooldown *time.Duration
	triggerDelay   *time.Duration
	simulate       *bool
	qr             *bool
	logLevel       *string
}

// initializeLogger installs a text handler at the named level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnvDefault("SCANPIPE_STATE_DIR", DefaultStateDir),
		Station:        os.Getenv("SCANPIPE_STATION"),
		APIBase:        os.Getenv("SCANPIPE_API_BASE"),
		Token:          os.Getenv("SCANPIPE_TOKEN"),
		TokenFile:      os.Getenv("SCANPIPE_TOKEN_FILE"),
		DBDSN:          os.Getenv("SCANPIPE_DB_DSN"),
		APIAddr:        os.Getenv("SCANPIPE_API_ADDR"),
		DevicePassword: os.Getenv("SCANPIPE_DEVICE_PASSWORD"),
		DevicePattern:  os.Getenv("SCANPIPE_DEVICE_PATTERN"),
		CameraCommand:  util.GetEnvDefault("SCANPIPE_CAMERA_COMMAND", DefaultCameraCommand),
		RefreshCron:    util.GetEnvDefault("SCANPIPE_REFRESH_SCHEDULE", DefaultRefreshSchedule),
		DeviceCooldown: util.ParseDurationEnv("SCANPIPE_DEVICE_COOLDOWN", session.DefaultDeviceCooldown),
		TriggerDelay:   util.ParseDurationEnv("SCANPIPE_STABILIZATION_DELAY", trigger.DefaultStabilizationDelay),
		Simulate:       util.ParseBoolEnv("SCANPIPE_SIMULATE", false),
		QR:             util.ParseBoolEnv("SCANPIPE_QR", false),
		LogLevel:       util.GetEnvDefault("LOG_LEVEL", "info"),
	}

	if config.DBDSN == "" {
		config.DBDSN = os.Getenv("DATABASE_URL")
	}
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}
	if config.Station == "" {
		config.Station, _ = os.Hostname()
	}

	slog.Debug("environment variables loaded",
		"SCANPIPE_STATE_DIR", config.StateDir,
		"SCANPIPE_API_BASE", config.APIBase,
		"SCANPIPE_TOKEN_SET", config.Token != "",
		"SCANPIPE_TOKEN_FILE", config.TokenFile,
		"SCANPIPE_DB_DSN_SET", config.DBDSN != "",
		"SCANPIPE_API_ADDR", config.APIAddr,
		"SCANPIPE_SIMULATE", config.Simulate)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("scanpipe", flag.ContinueOnError)
	flags := Flags{
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for ScanPipe data (overrides $SCANPIPE_STATE_DIR)"),
		station:        fs.String("station", config.Station, "station name recorded in the lock file (overrides $SCANPIPE_STATION)"),
		apiBase:        fs.String("api-base", config.APIBase, "report backend base URL (overrides $SCANPIPE_API_BASE)"),
		token:          fs.String("token", config.Token, "bearer token for the backend (overrides $SCANPIPE_TOKEN)"),
		tokenFile:      fs.String("token-file", config.TokenFile, "file holding the bearer token, re-read per request (overrides $SCANPIPE_TOKEN_FILE)"),
		dbDSN:          fs.String("db-dsn", config.DBDSN, "run history database DSN (overrides $SCANPIPE_DB_DSN or $DATABASE_URL)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "local API server address (overrides $SCANPIPE_API_ADDR)"),
		devicePassword: fs.String("device-password", config.DevicePassword, "password written to the scanner after connecting (overrides $SCANPIPE_DEVICE_PASSWORD)"),
		devicePattern:  fs.String("device-pattern", config.DevicePattern, "regular expression matching the scanner name (overrides $SCANPIPE_DEVICE_PATTERN)"),
		cameraCommand:  fs.String("camera-command", config.CameraCommand, "still capture command containing "+camera.OutputPlaceholder+" (overrides $SCANPIPE_CAMERA_COMMAND)"),
		refreshCron:    fs.String("refresh-schedule", config.RefreshCron, "cron expression for reloading doctors and patients, empty to disable (overrides $SCANPIPE_REFRESH_SCHEDULE)"),
		deviceCooldown: fs.Duration("device-cooldown", config.DeviceCooldown, "pause after a remote shutter capture (overrides $SCANPIPE_DEVICE_COOLDOWN)"),
		triggerDelay:   fs.Duration("stabilization-delay", config.TriggerDelay, "delay before scanner input is accepted after connecting (overrides $SCANPIPE_STABILIZATION_DELAY)"),
		simulate:       fs.Bool("simulate", config.Simulate, "use a simulated scanner fed from stdin and a synthetic camera (overrides $SCANPIPE_SIMULATE)"),
		qr:             fs.Bool("qr", config.QR, "print the report URL as a terminal QR code (overrides $SCANPIPE_QR)"),
		logLevel:       fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Follow a moved state directory unless the DSN was set explicitly
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	return flags, nil
}

// validateFlags rejects configurations that cannot start
func validateFlags(flags Flags) error {
	if *flags.apiBase == "" {
		return fmt.Errorf("report backend base URL is required (--api-base or $SCANPIPE_API_BASE)")
	}
	if *flags.token == "" && *flags.tokenFile == "" {
		slog.Warn("No backend token configured; requests will be unauthenticated")
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildBluetoothOptions constructs device manager options
func buildBluetoothOptions(flags Flags) []bluetooth.Option {
	var opts []bluetooth.Option
	if *flags.devicePassword != "" {
		opts = append(opts, bluetooth.WithPassword(*flags.devicePassword))
	}
	if *flags.devicePattern != "" {
		opts = append(opts, bluetooth.WithNamePattern(*flags.devicePattern))
	}
	return opts
}

// buildCameraOptions constructs camera options writing under the state directory
func buildCameraOptions(flags Flags) []camera.Option {
	return []camera.Option{
		camera.WithOutputDir(filepath.Join(*flags.stateDir, "pictures")),
		camera.WithCrop(DefaultCropAspect),
		camera.WithMaxWidth(DefaultMaxWidth),
	}
}

// buildReportOptions constructs report client options
func buildReportOptions(flags Flags, tokens auth.TokenSource) []report.Option {
	return []report.Option{
		report.WithBaseURL(*flags.apiBase),
		report.WithTokenSource(tokens),
		report.WithCacheDir(filepath.Join(*flags.stateDir, "reports")),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// run wires the station and serves the API until ctx is cancelled
func run(ctx context.Context, flags Flags) error {
	if err := validateFlags(flags); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.station)
	if err != nil {
		return err
	}
	defer lock.Release()

	backend, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	var (
		platform bluetooth.Platform
		mock     *bluetooth.MockPlatform
		cam      camera.Camera
	)
	if *flags.simulate {
		mock = bluetooth.NewMockPlatform()
		platform = mock
		cam = camera.NewMockCamera(buildCameraOptions(flags)...)
	} else {
		if platform, err = bluetooth.NewSystemPlatform(""); err != nil {
			return fmt.Errorf("failed to open bluetooth platform: %w", err)
		}
		if cam, err = camera.NewCommandCamera(*flags.cameraCommand, buildCameraOptions(flags)...); err != nil {
			return fmt.Errorf("failed to configure camera: %w", err)
		}
	}
	manager, err := bluetooth.NewManager(platform, buildBluetoothOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create bluetooth manager: %w", err)
	}

	tokens := auth.FromConfig(*flags.token, *flags.tokenFile)
	reports, err := report.NewClient(buildReportOptions(flags, tokens)...)
	if err != nil {
		return fmt.Errorf("failed to create report client: %w", err)
	}
	dir, err := directory.NewClient(*flags.apiBase, tokens, nil)
	if err != nil {
		return fmt.Errorf("failed to create directory client: %w", err)
	}

	var server atomic.Pointer[api.Server]
	orchOpts := []orchestrator.Option{
		orchestrator.WithBluetooth(manager),
		orchestrator.WithCamera(cam),
		orchestrator.WithDirectory(dir),
		orchestrator.WithRunStore(backend),
		orchestrator.WithSessionOptions(session.WithDeviceCooldown(*flags.deviceCooldown)),
		orchestrator.WithTriggerOptions(trigger.WithStabilizationDelay(*flags.triggerDelay)),
		orchestrator.WithAlertHandler(func(a models.Alert) {
			if *flags.qr {
				printReportQR(os.Stdout, a)
			}
			if s := server.Load(); s != nil {
				s.PublishAlert(a)
			}
		}),
	}
	recoveryManager := recovery.NewRecoveryManager(backend)
	recoveryManager.RegisterRecoverable(recovery.InterruptedRuns{})
	var sender *store.OutboxSender
	if queue := buildNotificationQueue(backend); queue != nil {
		orchOpts = append(orchOpts, orchestrator.WithNotifications(queue))
		sender = store.NewOutboxSender(backend, queue.Send, DefaultOutboxPollInterval)
		recoveryManager.RegisterRecoverable(recovery.StaleOutbox{Sender: sender})
	}
	if err := recoveryManager.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}
	if sender != nil {
		go sender.Run(ctx)
	}

	orch, err := orchestrator.New(reports, orchOpts...)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	srv := api.NewServer(orch, buildAPIOptions(flags)...)
	server.Store(srv)

	if err := orch.Open(ctx); err != nil {
		slog.Warn("Failed to load doctors and patients; retry with POST /directory/refresh", "error", err)
	}
	if *flags.refreshCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddJob("directory-refresh", *flags.refreshCron, orch.RefreshDirectory); err != nil {
			return err
		}
	}
	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
		if _, err := orch.ConnectDevice(connectCtx); err != nil {
			slog.Warn("Scanner not connected at startup; retry with POST /device/connect", "error", err)
		}
	}()
	if mock != nil {
		go feedSimulatedScanner(ctx, os.Stdin, mock)
	}

	return srv.Run(ctx)
}

// buildNotificationQueue returns a queue when Twilio is configured, or nil
func buildNotificationQueue(repo store.OutboxRepo) *notify.Queue {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Debug("Twilio not configured, report-ready notifications disabled")
		return nil
	}
	notifier, err := notify.NewTwilioNotifier()
	if err != nil {
		slog.Warn("Twilio notifier unavailable, report-ready notifications disabled", "error", err)
		return nil
	}
	return notify.NewQueue(repo, notifier)
}

// printReportQR prints the report URL of a report-ready alert as a QR code
func printReportQR(w io.Writer, a models.Alert) bool {
	if a.Kind != models.AlertReportReady || a.FileURL == "" {
		return false
	}
	fmt.Fprintf(w, "Report ready: %s\n", a.FileURL)
	qrterminal.GenerateHalfBlock(a.FileURL, qrterminal.L, w)
	return true
}

// feedSimulatedScanner emits each stdin line as a payload from the simulated scanner
func feedSimulatedScanner(ctx context.Context, r io.Reader, platform *bluetooth.MockPlatform) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		link := platform.LastLink()
		if link == nil || link.Closed() {
			slog.Warn("Simulated scanner not connected, dropping input", "input", line)
			continue
		}
		slog.Debug("Simulated scanner payload", "input", line)
		link.Emit(line)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Simulated scanner input failed", "error", err)
	}
}
