package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hubdesk/ticketsync/internal/feed"
	"github.com/hubdesk/ticketsync/internal/httpapi"
	"github.com/hubdesk/ticketsync/internal/notify"
	"github.com/hubdesk/ticketsync/internal/pollsync"
)

const fetchLimit = 200

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("TICKETSYNC_CONFIG")), "optional JSON config file")
	baseURL := flag.String("base-url", strings.TrimSpace(os.Getenv("TICKETSYNC_BASE_URL")), "ticketing API base URL")
	apiToken := flag.String("token", strings.TrimSpace(os.Getenv("TICKETSYNC_TOKEN")), "ticketing API bearer token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("TICKETSYNC_USER")), "authenticated user id")
	listenAddr := flag.String("listen", strings.TrimSpace(os.Getenv("TICKETSYNC_LISTEN")), "loopback control surface address")
	localToken := flag.String("local-token", strings.TrimSpace(os.Getenv("TICKETSYNC_LOCAL_TOKEN")), "control surface token for the UI shell")
	ticketInterval := flag.Duration("ticket-interval", durationEnv("TICKETSYNC_TICKET_INTERVAL", 0), "ticket feed poll interval")
	notifyInterval := flag.Duration("notify-interval", durationEnv("TICKETSYNC_NOTIFY_INTERVAL", 0), "notification poll interval")
	presenceFile := flag.String("presence-file", strings.TrimSpace(os.Getenv("TICKETSYNC_PRESENCE_FILE")), "UI presence file driving pause/resume")
	dismissalsDSN := flag.String("dismissals", strings.TrimSpace(os.Getenv("TICKETSYNC_DISMISSALS")), "dismissal store DSN (file path, memory:, or postgres://)")
	fetchTimeout := flag.Duration("timeout", durationEnv("TICKETSYNC_TIMEOUT", 15*time.Second), "per-request HTTP timeout")
	rateLimitMax := flag.Int("rate-limit", intEnv("TICKETSYNC_RATE_LIMIT_MAX", 0), "control surface rate limit per minute (0 disables)")
	once := flag.Bool("once", false, "run one fetch cycle per ticket feed and exit")
	flag.Parse()

	var fileCfg fileConfig
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := loadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		fileCfg = loaded
	}

	*baseURL = fallback(*baseURL, fileCfg.BaseURL)
	*apiToken = fallback(*apiToken, fileCfg.APIToken)
	*userID = fallback(*userID, fileCfg.UserID)
	*listenAddr = fallback(*listenAddr, fileCfg.ListenAddr)
	*localToken = fallback(*localToken, fileCfg.LocalToken)
	*presenceFile = fallback(*presenceFile, fileCfg.PresenceFile)
	*dismissalsDSN = fallback(*dismissalsDSN, fileCfg.DismissalsDSN)
	if *ticketInterval <= 0 {
		*ticketInterval = durationOrDefault(fileCfg.TicketInterval, 10*time.Second)
	}
	if *notifyInterval <= 0 {
		*notifyInterval = durationOrDefault(fileCfg.NotifyInterval, 15*time.Second)
	}
	if *listenAddr == "" {
		*listenAddr = "127.0.0.1:7033"
	}
	if strings.TrimSpace(*apiToken) == "" {
		log.Fatalf("token is required (--token or TICKETSYNC_TOKEN)")
	}
	if strings.TrimSpace(*userID) == "" {
		log.Fatalf("user is required (--user or TICKETSYNC_USER)")
	}

	client := feed.NewHTTPClient(*baseURL, *apiToken, &http.Client{Timeout: *fetchTimeout})

	backend, err := notify.BuildDismissalBackendFromDSN(*dismissalsDSN)
	if err != nil {
		log.Fatalf("failed to initialize dismissal backend: %v", err)
	}
	if backend == nil {
		backend, err = notify.NewFileDismissalBackend(defaultDismissalDir())
		if err != nil {
			log.Fatalf("failed to initialize dismissal backend: %v", err)
		}
	}
	dismissals, err := notify.NewDismissalStore(backend)
	if err != nil {
		log.Fatalf("failed to initialize dismissal store: %v", err)
	}

	// surface is assigned before anything starts polling; the callbacks
	// only fire from started schedulers.
	var surface *httpapi.Server
	statusPublisher := func(feedName string) func(pollsync.Status) {
		return func(status pollsync.Status) {
			if surface != nil {
				surface.PublishStatus(feedName, status)
			}
		}
	}

	activeTickets, err := feed.NewFeedPoller(feed.PollerConfig[feed.Ticket]{
		Fetch: func(ctx context.Context, since int64) (feed.Page[feed.Ticket], error) {
			return client.ListTickets(ctx, feed.ViewActive, since, fetchLimit)
		},
		Interval:       *ticketInterval,
		OnStatusChange: statusPublisher("tickets/active"),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize active ticket poller: %v", err)
	}
	archivedTickets, err := feed.NewFeedPoller(feed.PollerConfig[feed.Ticket]{
		Fetch: func(ctx context.Context, since int64) (feed.Page[feed.Ticket], error) {
			return client.ListTickets(ctx, feed.ViewArchived, since, fetchLimit)
		},
		// archived tickets change rarely; poll them at a gentler pace
		Interval:       3 * *ticketInterval,
		OnStatusChange: statusPublisher("tickets/archived"),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize archived ticket poller: %v", err)
	}

	engine, err := notify.NewEngine(notify.EngineConfig{
		Client:         client,
		UserID:         *userID,
		Dismissals:     dismissals,
		Interval:       *notifyInterval,
		OnStatusChange: statusPublisher("notifications"),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize notification engine: %v", err)
	}

	statuses := func() []httpapi.FeedStatus {
		return []httpapi.FeedStatus{
			{
				Feed:                "tickets/active",
				Status:              activeTickets.Status(),
				ConsecutiveFailures: activeTickets.ConsecutiveFailures(),
				Cursor:              activeTickets.Cursor(),
				Items:               len(activeTickets.Items()),
			},
			{
				Feed:                "tickets/archived",
				Status:              archivedTickets.Status(),
				ConsecutiveFailures: archivedTickets.ConsecutiveFailures(),
				Cursor:              archivedTickets.Cursor(),
				Items:               len(archivedTickets.Items()),
			},
			{
				Feed:                "notifications",
				Status:              engine.Status(),
				ConsecutiveFailures: engine.ConsecutiveFailures(),
				Cursor:              engine.Cursor(),
				Items:               len(engine.Unread()),
			},
		}
	}
	surface = httpapi.NewServerWithConfig(engine, statuses, httpapi.ServerConfig{
		Token:        *localToken,
		RateLimitMax: *rateLimitMax,
		Logger:       log.Default(),
	})
	unsubscribe := engine.Subscribe(surface.PublishNotifications)
	defer unsubscribe()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		for name, poller := range map[string]*feed.FeedPoller[feed.Ticket]{
			"tickets/active":   activeTickets,
			"tickets/archived": archivedTickets,
		} {
			if err := poller.RunOnce(rootCtx); err != nil {
				log.Fatalf("%s fetch failed: %v", name, err)
			}
			log.Printf("%s fetch completed (%d items)", name, len(poller.Items()))
		}
		return
	}

	if strings.TrimSpace(*presenceFile) != "" {
		source, err := pollsync.NewFileVisibilitySource(*presenceFile, log.Default())
		if err != nil {
			log.Fatalf("failed to watch presence file: %v", err)
		}
		defer func() { _ = source.Close() }()
		unbind := pollsync.BindVisibility(source, activeTickets, archivedTickets, engine)
		defer unbind()
	}

	activeTickets.Start()
	archivedTickets.Start()
	engine.Start(rootCtx)
	defer func() {
		activeTickets.Stop()
		archivedTickets.Stop()
		engine.Stop()
		_ = dismissals.Close()
	}()

	httpServer := &http.Server{Addr: *listenAddr, Handler: surface}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Printf("ticketsyncd control surface listening on %s", *listenAddr)

	select {
	case err := <-serveErr:
		log.Fatalf("control surface failed: %v", err)
	case <-rootCtx.Done():
		log.Printf("ticketsyncd stopping: %v", rootCtx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
}

func defaultDismissalDir() string {
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "ticketsync")
	}
	return filepath.Join(os.TempDir(), "ticketsync")
}

func durationEnv(name string, fallbackValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallbackValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallbackValue.String())
		return fallbackValue
	}
	return value
}

func durationOrDefault(raw string, fallbackValue time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallbackValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallbackValue
	}
	return value
}

func intEnv(name string, fallbackValue int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallbackValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallbackValue)
		return fallbackValue
	}
	return value
}
