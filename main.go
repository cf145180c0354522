package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"avbridge.app/avbridge/internal/buildinfo"
	"avbridge.app/avbridge/internal/control"
	"avbridge.app/avbridge/internal/devices"
	"avbridge.app/avbridge/internal/diagnostics"
	"avbridge.app/avbridge/internal/discovery"
	"avbridge.app/avbridge/internal/domain"
	"avbridge.app/avbridge/internal/eventing"
	"avbridge.app/avbridge/internal/lifecycle"
	"avbridge.app/avbridge/internal/server"
)

type cliConfig struct {
	discover    bool
	browse      string
	resolve     string
	cast        string
	mimeType    string
	title       string
	watch       bool
	servers     string
	renderer    string
	listenIP    string
	listenPort  int
	callbackURL string
	iface       string
	timeoutMS   int
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	diag := flag.Bool("diag", false, "print network diagnostics then exit")

	var cfg cliConfig
	flag.BoolVar(&cfg.discover, "discover", false, "search for renderers and media servers")
	flag.StringVar(&cfg.browse, "browse", "", "browse a media identifier ({server}/{action}/{params})")
	flag.StringVar(&cfg.resolve, "resolve", "", "resolve a media identifier to a playable URL")
	flag.StringVar(&cfg.cast, "cast", "", "cast a media identifier or direct http(s) URL to a renderer")
	flag.StringVar(&cfg.mimeType, "mime", "", "MIME type when casting a direct URL")
	flag.StringVar(&cfg.title, "title", "", "title to display on the renderer")
	flag.BoolVar(&cfg.watch, "watch", false, "after casting, keep running and log state changes")
	flag.StringVar(&cfg.servers, "servers", os.Getenv("AVBRIDGE_SERVERS"), "comma-separated media server description URLs")
	flag.StringVar(&cfg.renderer, "renderer", os.Getenv("AVBRIDGE_RENDERER"), "renderer description URL or UDN")
	flag.StringVar(&cfg.listenIP, "listen-ip", os.Getenv("AVBRIDGE_LISTEN_IP"), "local IP to bind the event callback listener")
	flag.IntVar(&cfg.listenPort, "listen-port", 0, "local port for the event callback listener (0 = ephemeral)")
	flag.StringVar(&cfg.callbackURL, "callback-url", os.Getenv("AVBRIDGE_CALLBACK_URL"), "callback URL override for devices behind NAT")
	flag.StringVar(&cfg.iface, "iface", os.Getenv("AVBRIDGE_IFACE"), "network interface for SSDP presence monitoring")
	flag.IntVar(&cfg.timeoutMS, "timeout", 2500, "discovery timeout in milliseconds")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}
	if *diag {
		printJSON(diagnostics.DetectNetwork())
		return
	}

	logLevel := parseLogLevel(os.Getenv("AVBRIDGE_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Info(
		"avbridge_start",
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
	)

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	if err := run(runCtx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("avbridge_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg cliConfig, logger *slog.Logger) error {
	search := discovery.NewService("")

	if cfg.discover {
		return runDiscover(ctx, cfg, search)
	}

	devs := devices.NewManager(
		devices.WithFinder(search),
		devices.WithLogger(logger),
	)
	registry := eventing.NewRegistry(logger)
	manager := control.NewManager(devs, registry,
		control.WithListenAddr(eventing.ListenAddr{
			Host:        cfg.listenIP,
			Port:        cfg.listenPort,
			CallbackURL: cfg.callbackURL,
		}),
		control.WithInterface(cfg.iface),
		control.WithLogger(logger),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown_incomplete", slog.String("error", err.Error()))
		}
	}()

	resolver := server.NewResolver(logger)
	if err := registerServers(ctx, cfg, devs, resolver); err != nil {
		return err
	}

	switch {
	case cfg.browse != "" || (cfg.servers != "" && cfg.cast == "" && cfg.resolve == ""):
		node, err := resolver.Browse(ctx, cfg.browse)
		if err != nil {
			return err
		}
		printJSON(node)
		return nil

	case cfg.resolve != "":
		media, err := resolver.Resolve(ctx, cfg.resolve)
		if err != nil {
			return err
		}
		printJSON(media)
		return nil

	case cfg.cast != "":
		return runCast(ctx, cfg, search, manager, resolver, logger)
	}

	flag.Usage()
	return errors.New("nothing to do: pass -discover, -browse, -resolve, or -cast")
}

func runDiscover(ctx context.Context, cfg cliConfig, search *discovery.Service) error {
	renderers, err := search.SearchRenderers(ctx, cfg.timeoutMS)
	if err != nil {
		return err
	}
	servers, err := search.SearchServers(ctx, cfg.timeoutMS)
	if err != nil {
		return err
	}
	printJSON(map[string][]discovery.Found{
		"renderers": renderers,
		"servers":   servers,
	})
	return nil
}

func registerServers(ctx context.Context, cfg cliConfig, devs *devices.Manager, resolver *server.Resolver) error {
	if cfg.servers == "" {
		return nil
	}
	seen := map[string]int{}
	for _, location := range strings.Split(cfg.servers, ",") {
		location = strings.TrimSpace(location)
		if location == "" {
			continue
		}
		handle, err := devs.Connect(ctx, location)
		if err != nil {
			return err
		}
		id := serverID(handle.FriendlyName, seen)
		resolver.Register(id, handle)
	}
	return nil
}

// serverID slugs a friendly name into an identifier segment, suffixing
// duplicates.
func serverID(name string, seen map[string]int) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_', r == '.':
			return '-'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "server"
	}
	seen[slug]++
	if seen[slug] > 1 {
		return fmt.Sprintf("%s-%d", slug, seen[slug])
	}
	return slug
}

func runCast(ctx context.Context, cfg cliConfig, search *discovery.Service, manager *control.Manager, resolver *server.Resolver, logger *slog.Logger) error {
	if cfg.renderer == "" {
		return errors.New("-cast requires -renderer")
	}

	var media domain.PlayableMedia
	if strings.HasPrefix(cfg.cast, "http://") || strings.HasPrefix(cfg.cast, "https://") {
		if cfg.mimeType == "" {
			return errors.New("casting a direct URL requires -mime")
		}
		media = domain.PlayableMedia{URL: cfg.cast, MIMEType: cfg.mimeType}
	} else {
		resolved, err := resolver.Resolve(ctx, cfg.cast)
		if err != nil {
			return err
		}
		media = resolved
	}

	location := cfg.renderer
	if strings.HasPrefix(location, "uuid:") {
		found, err := search.FindByUDN(ctx, location, cfg.timeoutMS)
		if err != nil {
			return err
		}
		if found == "" {
			return domain.DeviceNotFoundError(fmt.Sprintf("renderer %s did not answer discovery", location))
		}
		location = found
	}

	sess, err := manager.OpenSession(ctx, location)
	if err != nil {
		return err
	}
	if err := sess.PlayMedia(ctx, media, cfg.title); err != nil {
		return err
	}
	logger.Info("cast_started", slog.String("url", media.URL), slog.String("mime_type", media.MIMEType))

	if !cfg.watch {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	lastState := sess.State()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sess.Refresh(ctx)
			if state := sess.State(); state != lastState {
				logger.Info("playback_state", slog.String("state", string(state)))
				lastState = state
			}
		}
	}
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid AVBRIDGE_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
