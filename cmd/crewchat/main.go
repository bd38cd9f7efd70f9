package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewchat/crewchat/internal/chatstore"
	"github.com/crewchat/crewchat/internal/httpapi"
)

// fileConfig mirrors the optional YAML config file. Environment variables
// override file values; flags are not used for the server itself.
type fileConfig struct {
	Addr            string `yaml:"addr"`
	JWTSecret       string `yaml:"jwtSecret"`
	StateBackendDSN string `yaml:"stateBackendDsn"`
	RateLimitMax    int    `yaml:"rateLimitMax"`
	RateLimitWindow string `yaml:"rateLimitWindow"`
	MaxBodyBytes    int64  `yaml:"maxBodyBytes"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mint-token" {
		if err := runMintToken(os.Args[2:]); err != nil {
			log.Fatalf("mint-token: %v", err)
		}
		return
	}

	cfg, err := loadConfig(strings.TrimSpace(os.Getenv("CREWCHAT_CONFIG")))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	addr := stringEnv("CREWCHAT_ADDR", cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}

	backendDSN := stringEnv("CREWCHAT_STATE_BACKEND_DSN", cfg.StateBackendDSN)
	stateBackend, err := chatstore.BuildStateBackendFromDSN(backendDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := chatstore.NewStoreWithOptions(chatstore.StoreOptions{
		StateBackend: stateBackend,
	})
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       stringEnv("CREWCHAT_JWT_SECRET", cfg.JWTSecret),
		RateLimitMax:    intEnv("CREWCHAT_RATE_LIMIT_MAX", cfg.RateLimitMax),
		RateLimitWindow: durationEnv("CREWCHAT_RATE_LIMIT_WINDOW", parseConfigDuration(cfg.RateLimitWindow)),
		MaxBodyBytes:    int64Env("CREWCHAT_MAX_BODY_BYTES", cfg.MaxBodyBytes),
		Logger:          log.Default(),
	})

	log.Printf("crewchat listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func runMintToken(args []string) error {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	secret := fs.String("secret", envOrDefault("CREWCHAT_JWT_SECRET", "dev-secret"), "signing secret")
	userID := fs.String("user", "", "user id claim")
	displayName := fs.String("name", "", "display name claim")
	admin := fs.Bool("admin", false, "admin claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return fmt.Errorf("user is required (-user)")
	}
	token, err := httpapi.MintToken(*secret, *userID, *displayName, *admin, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func parseConfigDuration(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration %q in config, ignoring", raw)
		return 0
	}
	return value
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func stringEnv(name, fallback string) string {
	return envOrDefault(name, fallback)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
