// mmrelay is a bidirectional Matrix ⇄ Meshtastic relay daemon.
//
// Usage:
//
//	mmrelay [flags]                    run the relay
//	mmrelay generate-config            write a starter config.yaml
//	mmrelay check-config               validate the config and exit
//	mmrelay auth login|logout|status   manage Matrix credentials
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmrelay/mmrelay/internal/bridge"
	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/matrix"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/store"
	"github.com/mmrelay/mmrelay/internal/version"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand := args[0]
		rest := args[1:]

		var err error
		switch subcommand {
		case "generate-config":
			err = runGenerateConfig(rest)
		case "check-config":
			err = runCheckConfig(rest)
		case "auth":
			err = runAuth(rest)
		default:
			err = fmt.Errorf("unknown command %q", subcommand)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "mmrelay: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := flag.NewFlagSet("mmrelay", flag.ExitOnError)
	configPath := flags.String("config", "", "path to config.yaml (default: <home>/config.yaml)")
	home := flags.String("home", "", "relay home directory (default: $MMRELAY_HOME or ~/.mmrelay)")
	dataDir := flags.String("data-dir", "", "alias for --home, kept for older setups")
	debug := flags.Bool("debug", false, "enable verbose debug logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	_ = flags.Parse(args)

	if *showVersion {
		fmt.Printf("mmrelay %s\n", version.Version)
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				fmt.Fprintln(os.Stderr, "")
				fmt.Fprintln(os.Stderr, notice)
			}
		}
		os.Exit(0)
	}

	if *home == "" {
		*home = *dataDir
	}

	if err := runRelay(*configPath, *home, *debug); err != nil &&
		!errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "mmrelay: %v\n", err)
		os.Exit(1)
	}
}

func runRelay(configPath, home string, debug bool) error {
	log.Printf("mmrelay %s starting", version.Version)
	if !version.IsDev() {
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				log.Println(notice)
			}
		}
	}

	paths := config.ResolvePaths(home)
	if configPath == "" {
		configPath = paths.ConfigFile
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logFile := setupLogging(cfg.Logging, paths, debug); logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistent state.
	if err := config.EnsureDir(paths.Database); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.Open(paths.Database, poolOptions(cfg.Database.Pool))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.Database.MsgMap.WipeOnRestart {
		if err := st.Wipe(ctx); err != nil {
			return fmt.Errorf("wipe message map: %w", err)
		}
		log.Printf("[main] message map wiped (wipe_on_restart)")
	} else if keep := cfg.Database.MsgMap.MsgsToKeep; keep > 0 {
		if err := st.Prune(ctx, keep); err != nil {
			log.Printf("[main] prune message map: %v", err)
		}
	}

	// Matrix session.
	creds := resolveCredentials(cfg, paths)
	matrixClient, err := matrix.NewClient(cfg.Matrix, &creds)
	if err != nil {
		return err
	}

	if cfg.Matrix.E2EE.Enabled {
		storePath := cfg.Matrix.E2EE.StorePath
		if storePath == "" {
			storePath = paths.MatrixStore + ".sqlite"
		}
		if err := config.EnsureDir(storePath); err != nil {
			return fmt.Errorf("create e2ee store dir: %w", err)
		}
		closeCrypto, err := matrixClient.EnableEncryption(ctx, storePath, []byte("mmrelay"))
		if err != nil {
			// Soft failure: the relay still runs for unencrypted rooms.
			log.Printf("[main] e2ee unavailable, encrypted rooms will be skipped: %v", err)
		} else {
			defer closeCrypto()
		}
	}

	// Radio link and paced send queue.
	dialer, err := meshtastic.NewDialer(cfg.Meshtastic)
	if err != nil {
		return err
	}
	radio := meshtastic.NewClient(cfg.Meshtastic, dialer)
	defer radio.Close()

	queue := meshtastic.NewQueue(radio, cfg.Meshtastic.MessageDelay)
	defer queue.Close(5 * time.Second)

	// Routes and the bridge core. Alias routes are resolved to room IDs
	// first; synced events only ever carry IDs.
	resolvedRooms, err := bridge.ResolveRoutes(ctx, matrixClient, cfg.MatrixRooms)
	if err != nil {
		return err
	}
	routes, err := bridge.NewRouteTable(resolvedRooms)
	if err != nil {
		return err
	}
	relay := bridge.New(&cfg, st, routes, matrixClient, queue, radio)

	registry := plugin.NewRegistry(cfg.Plugins, st, relay.Capabilities())
	registry.Register(plugin.Ping{})
	registry.Register(plugin.Nodes{})
	registry.Register(plugin.Telemetry{})
	registry.Register(plugin.NewHelp(registry.Active))
	relay.SetPlugins(registry)

	radio.OnPacket(relay.HandleMeshPacket)
	radio.OnReconnect(func() { relay.RefreshNodeNames(context.Background()) })
	matrixClient.OnMessage(relay.HandleMatrixEvent)
	matrixClient.OnReaction(relay.HandleReaction)
	matrixClient.OnMembership(relay.HandleMembership)
	matrixClient.OnEncrypted(relay.HandleEncrypted)

	if err := radio.Connect(ctx); err != nil {
		return fmt.Errorf("connect radio: %w", err)
	}
	relay.RefreshNodeNames(ctx)
	relay.JoinRoutedRooms(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return matrixClient.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	err = g.Wait()
	log.Printf("mmrelay shutting down")
	return err
}

func poolOptions(cfg config.PoolConfig) store.Options {
	return store.Options{
		Enabled:        cfg.PoolingEnabled(),
		MaxConnections: cfg.MaxConnections,
		MaxIdleTime:    time.Duration(cfg.MaxIdleTime) * time.Second,
		AcquireTimeout: time.Duration(cfg.Timeout) * time.Second,
	}
}

// resolveCredentials prefers credentials.json from "mmrelay auth login",
// falling back to the access_token in the config file.
func resolveCredentials(cfg config.Config, paths config.Paths) config.Credentials {
	creds, err := config.LoadCredentials(paths.Credentials)
	if err == nil {
		return creds
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Printf("[main] ignoring unreadable %s: %v", paths.Credentials, err)
	}

	return config.Credentials{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.BotUserID,
		AccessToken: cfg.Matrix.AccessToken,
	}
}

// setupLogging routes the standard logger to the configured log file (in
// addition to stderr). Returns the file handle for deferred close, or nil.
func setupLogging(cfg config.LoggingConfig, paths config.Paths, debug bool) *os.File {
	if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	path := cfg.File
	if path == "" {
		return nil
	}
	if path == "default" {
		path = paths.LogFile
	}

	if err := config.EnsureDir(path); err != nil {
		log.Printf("[main] create log dir: %v", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("[main] open log file: %v", err)
		return nil
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f
}

func runGenerateConfig(args []string) error {
	flags := flag.NewFlagSet("generate-config", flag.ExitOnError)
	home := flags.String("home", "", "relay home directory")
	_ = flags.Parse(args)

	paths := config.ResolvePaths(*home)
	if err := config.GenerateSample(paths.ConfigFile); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", paths.ConfigFile)
	return nil
}

func runCheckConfig(args []string) error {
	flags := flag.NewFlagSet("check-config", flag.ExitOnError)
	home := flags.String("home", "", "relay home directory")
	configPath := flags.String("config", "", "path to config.yaml")
	_ = flags.Parse(args)

	path := *configPath
	if path == "" {
		path = config.ResolvePaths(*home).ConfigFile
	}

	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

func runAuth(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mmrelay auth login|logout|status")
	}

	switch args[0] {
	case "login":
		return runAuthLogin(args[1:])
	case "logout":
		return runAuthLogout(args[1:])
	case "status":
		return runAuthStatus(args[1:])
	default:
		return fmt.Errorf("unknown auth command %q", args[0])
	}
}

func runAuthLogin(args []string) error {
	flags := flag.NewFlagSet("auth login", flag.ExitOnError)
	home := flags.String("home", "", "relay home directory")
	homeserver := flags.String("homeserver", "", "homeserver URL (e.g. https://matrix.org)")
	username := flags.String("username", "", "Matrix username or full user ID")
	password := flags.String("password", "", "password (omit to be prompted)")
	_ = flags.Parse(args)

	reader := bufio.NewReader(os.Stdin)
	hs, err := promptIfEmpty(reader, *homeserver, "Homeserver URL: ")
	if err != nil {
		return err
	}
	user, err := promptIfEmpty(reader, *username, "Username: ")
	if err != nil {
		return err
	}
	pass, err := promptIfEmpty(reader, *password, "Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := matrix.Login(ctx, hs, user, pass)
	if err != nil {
		return err
	}

	paths := config.ResolvePaths(*home)
	if err := config.SaveCredentials(paths.Credentials, *creds); err != nil {
		return err
	}
	fmt.Printf("logged in as %s, credentials saved to %s\n", creds.UserID, paths.Credentials)
	return nil
}

func runAuthLogout(args []string) error {
	flags := flag.NewFlagSet("auth logout", flag.ExitOnError)
	home := flags.String("home", "", "relay home directory")
	_ = flags.Parse(args)

	paths := config.ResolvePaths(*home)
	creds, err := config.LoadCredentials(paths.Credentials)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("not logged in")
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := matrix.Logout(ctx, &creds); err != nil {
		// The local session is removed either way.
		log.Printf("[auth] server-side logout failed: %v", err)
	}

	if err := os.Remove(paths.Credentials); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	fmt.Println("logged out")
	return nil
}

func runAuthStatus(args []string) error {
	flags := flag.NewFlagSet("auth status", flag.ExitOnError)
	home := flags.String("home", "", "relay home directory")
	_ = flags.Parse(args)

	paths := config.ResolvePaths(*home)
	creds, err := config.LoadCredentials(paths.Credentials)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("not logged in")
			return nil
		}
		return err
	}

	fmt.Printf("logged in as %s on %s (device %s)\n", creds.UserID, creds.Homeserver, creds.DeviceID)
	return nil
}

func promptIfEmpty(reader *bufio.Reader, value, prompt string) (string, error) {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}

	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("value cannot be empty")
	}
	return line, nil
}
