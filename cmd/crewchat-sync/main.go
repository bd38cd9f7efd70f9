package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/crewchat/crewchat/internal/chatsync"
)

const notificationBodyLimit = 140

func main() {
	baseURL := flag.String("base-url", envOrDefault("CREWCHAT_BASE_URL", "http://127.0.0.1:8080"), "crewchat server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CREWCHAT_TOKEN")), "bearer token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("CREWCHAT_USER")), "local user id (must match the token)")
	teams := flag.String("teams", strings.TrimSpace(os.Getenv("CREWCHAT_TEAMS")), "comma-separated team ids")
	orgs := flag.String("orgs", strings.TrimSpace(os.Getenv("CREWCHAT_ORGS")), "comma-separated organization ids")
	interval := flag.Duration("interval", durationEnv("CREWCHAT_SYNC_INTERVAL", 5*time.Second), "poll interval")
	timeout := flag.Duration("timeout", durationEnv("CREWCHAT_SYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	quiet := flag.Bool("quiet", false, "suppress desktop notifications")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or CREWCHAT_TOKEN)")
	}
	if strings.TrimSpace(*userID) == "" {
		log.Fatalf("user is required (--user or CREWCHAT_USER)")
	}
	scopes := chatsync.ScopeSet{
		TeamIDs: splitCSV(*teams),
		OrgIDs:  splitCSV(*orgs),
	}
	if scopes.Empty() {
		log.Fatalf("at least one team or organization is required (--teams / --orgs)")
	}

	client := chatsync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	var notifier chatsync.Notifier
	if !*quiet {
		notifier = chatsync.NotifierFunc(desktopNotify)
	}

	engine, err := chatsync.NewEngine(chatsync.EngineOptions{
		Client:      client,
		LocalUserID: strings.TrimSpace(*userID),
		Scopes:      scopes,
		Interval:    *interval,
		Notifier:    notifier,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

	engine.Subscribe(chatsync.ObserverFunc(func(messages []chatsync.Message) {
		unread := 0
		for _, msg := range messages {
			if !msg.ReadByLocalUser {
				unread++
			}
		}
		log.Printf("synced %d messages (%d unread)", len(messages), unread)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start()
	log.Printf("crewchat-sync polling %s every %s", *baseURL, interval.String())
	<-ctx.Done()
	log.Printf("crewchat-sync stopping: %v", ctx.Err())
	engine.Stop()
}

func desktopNotify(msg chatsync.Message) error {
	title := chatsync.NotificationTitle(msg)
	body := chatsync.TruncateNotification(msg.Content, notificationBodyLimit)
	return beeep.Notify(title, body, "")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}
