package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/app"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

const defaultConfigFile = "console.yaml"

func main() {
	parser := argparse.NewParser("console", "Web console for backup repositories")
	serveCmd := parser.NewCommand("serve", "Run the web server")
	serveConfig := serveCmd.String("c", "config", &argparse.Options{Help: "Configuration file", Default: defaultConfigFile})
	setupCmd := parser.NewCommand("setup", "Write a configuration file and create the administrator")
	setupConfig := setupCmd.String("c", "config", &argparse.Options{Help: "Configuration file to write", Default: defaultConfigFile})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	// best-effort: a missing .env is fine
	_ = godotenv.Load()

	switch {
	case setupCmd.Happened():
		os.Exit(runSetup(*setupConfig))
	case serveCmd.Happened():
		os.Exit(runServe(*serveConfig))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := utilities.ConfigFromEnv()
	if cfg != nil {
		lc = utilities.Config{Level: cfg.LogLevel, Dev: cfg.LogDev, File: cfg.LogFile}
	}
	return utilities.Init(lc)
}

func runServe(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	lg, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return 1
	}
	defer lg.Sync()
	undo := zap.ReplaceGlobals(lg)
	defer undo()
	sugar := lg.Sugar()
	sugar.Infow("starting backup console", "config", path, "userdb", cfg.UserDB, "sessions", cfg.SessionStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, sugar, app.Options{})
	if err != nil {
		sugar.Errorw("startup failed", "error", err)
		return 1
	}
	if err := a.Start(); err != nil {
		sugar.Warnw("initial repository scan not queued", "error", err)
	}

	err = a.Serve(ctx, func() {
		// tell systemd that we're alive
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			sugar.Debugw("sd_notify failed", "error", err)
		}
	})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	sugar.Info("shutting down")
	if cerr := a.Close(); cerr != nil {
		sugar.Warnw("shutdown incomplete", "error", cerr)
	}
	if err != nil {
		sugar.Errorw("http server failed", "error", err)
		return 1
	}
	sugar.Info("goodbye")
	return 0
}

// runSetup returns 0 on success, 1 for an invalid configuration and 2 when
// the configuration or the administrator cannot be written.
func runSetup(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	lg, err := newLogger(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return 1
	}
	defer lg.Sync()

	in := bufio.NewReader(os.Stdin)
	login, err := prompt(in, "Administrator login", "admin")
	if err != nil {
		return 1
	}
	root, err := prompt(in, "Administrator root directory", "/backups")
	if err != nil {
		return 1
	}
	password, err := promptPassword(in, "Administrator password")
	if err != nil {
		fmt.Fprintf(os.Stderr, "password: %v\n", err)
		return 1
	}

	err = app.Setup(context.Background(), cfg, app.SetupRequest{ConfigPath: path, Login: login, Password: password, Root: root}, nil, lg.Sugar())
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "wrote %s\n", path)
		return 0
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintln(os.Stderr, err)
		return 1
	default:
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
}

func prompt(in *bufio.Reader, label, def string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s [%s]: ", label, def)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	if v := strings.TrimSpace(line); v != "" {
		return v, nil
	}
	return def, nil
}

func promptPassword(in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// piped input cannot suppress echo
		fmt.Fprintf(os.Stderr, "%s: ", label)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		p1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		p2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if len(p1) == 0 {
			fmt.Fprintln(os.Stderr, "password cannot be empty")
			continue
		}
		if string(p1) != string(p2) {
			fmt.Fprintln(os.Stderr, "passwords do not match")
			continue
		}
		return string(p1), nil
	}
}
