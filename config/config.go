package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Pool is one independently matched queue category.
type Pool struct {
	Name      string
	QueueKey  string
	GroupSize int
	Fleet     string
	Mode      string
}

type Config struct {
	HTTPPort int
	LogLevel string

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	TickInterval    time.Duration
	BackfillTimeout time.Duration
	Pools           []Pool

	AllocatorMode     string // "grpc" or "cluster"
	AllocatorEndpoint string
	AllocatorCertFile string
	AllocatorKeyFile  string
	AllocatorCAFile   string
	AgonesNamespace   string
	AllocateTimeout   time.Duration

	Route53HostedZoneID string
	DNSBaseDomain       string
	DNSRecordTTL        int64
	DNSTimeout          time.Duration

	MatchTokenSecret string
	MatchTokenTTL    time.Duration
	AuthTokenSecret  string
	InternalToken    string

	PubsubProjectID string
	PubsubTopic     string
	CredentialsFile string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort: getEnvInt("MATCH_HTTP_PORT", 8080),
		LogLevel: strings.TrimSpace(getEnv("MATCH_LOG_LEVEL", "info")),

		RedisAddr:     strings.TrimSpace(getEnv("REDIS_ADDR", "localhost:6379")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SessionTTL:    getEnvDuration("SESSION_TTL", time.Hour),

		TickInterval:    getEnvDuration("MATCH_TICK_INTERVAL", time.Second),
		BackfillTimeout: getEnvDuration("MATCH_BACKFILL_TIMEOUT", 7*time.Second),

		AllocatorMode:     strings.TrimSpace(getEnv("AGONES_ALLOCATOR_MODE", "")),
		AllocatorEndpoint: strings.TrimSpace(getEnv("AGONES_ALLOCATOR_ENDPOINT", "")),
		AllocatorCertFile: strings.TrimSpace(getEnv("AGONES_CLIENT_CERT_PATH", "")),
		AllocatorKeyFile:  strings.TrimSpace(getEnv("AGONES_CLIENT_KEY_PATH", "")),
		AllocatorCAFile:   strings.TrimSpace(getEnv("AGONES_CA_CERT_PATH", "")),
		AgonesNamespace:   strings.TrimSpace(getEnv("AGONES_NAMESPACE", "game")),
		AllocateTimeout:   getEnvDuration("AGONES_ALLOCATE_TIMEOUT", 10*time.Second),

		Route53HostedZoneID: strings.TrimSpace(getEnv("ROUTE53_HOSTED_ZONE_ID", "")),
		DNSBaseDomain:       strings.TrimSpace(getEnv("DNS_BASE_DOMAIN", "")),
		DNSRecordTTL:        int64(getEnvInt("DNS_RECORD_TTL", 30)),
		DNSTimeout:          getEnvDuration("DNS_TIMEOUT", 5*time.Second),

		MatchTokenSecret: strings.TrimSpace(getEnv("MATCH_TOKEN_SECRET", "")),
		MatchTokenTTL:    getEnvDuration("MATCH_TOKEN_TTL", 30*time.Second),
		AuthTokenSecret:  strings.TrimSpace(getEnv("AUTH_TOKEN_SECRET", "")),
		InternalToken:    strings.TrimSpace(getEnv("INTERNAL_TOKEN", "")),

		PubsubProjectID: strings.TrimSpace(getEnv("MATCH_EVENTS_PROJECT_ID", os.Getenv("GOOGLE_PROJECT_ID"))),
		PubsubTopic:     strings.TrimSpace(getEnv("MATCH_EVENTS_TOPIC", "")),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("MATCH_EVENTS_CREDENTIALS"))),
	}

	cfg.Pools = loadPools()

	// Mode defaults to the mTLS gRPC endpoint when one is configured,
	// otherwise direct in-cluster allocation.
	if cfg.AllocatorMode == "" {
		if cfg.AllocatorEndpoint != "" {
			cfg.AllocatorMode = "grpc"
		} else {
			cfg.AllocatorMode = "cluster"
		}
	}

	if cfg.MatchTokenSecret == "" {
		log.Warn().Msg("MATCH_TOKEN_SECRET not set; match tokens cannot be issued")
	}
	if cfg.AuthTokenSecret == "" {
		log.Warn().Msg("AUTH_TOKEN_SECRET not set; websocket auth will reject all clients")
	}
	if cfg.Route53HostedZoneID == "" || cfg.DNSBaseDomain == "" {
		log.Warn().Msg("Route53 not configured; raw game server addresses will be handed out")
	}
	return cfg
}

func loadPools() []Pool {
	fleet := strings.TrimSpace(getEnv("AGONES_FLEET", "game-fleet"))
	normal := Pool{
		Name:      "normal",
		QueueKey:  "match_queue",
		GroupSize: getEnvInt("MATCH_PLAYER_COUNT", 5),
		Fleet:     fleet,
		Mode:      "NORMAL",
	}
	boss := Pool{
		Name:      "boss",
		QueueKey:  "boss_match_queue",
		GroupSize: getEnvInt("BOSS_MATCH_PLAYER_COUNT", 5),
		Fleet:     strings.TrimSpace(getEnv("BOSS_AGONES_FLEET", fleet)),
		Mode:      "BOSS",
	}
	return []Pool{normal, boss}
}

// PoolByName returns the configured pool with the given name.
func (c *Config) PoolByName(name string) (Pool, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return Pool{}, false
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	pools := make([]string, 0, len(c.Pools))
	for _, p := range c.Pools {
		pools = append(pools, p.Name+"/"+strconv.Itoa(p.GroupSize))
	}
	return map[string]any{
		"httpPort":          c.HTTPPort,
		"logLevel":          c.LogLevel,
		"redisAddr":         c.RedisAddr,
		"sessionTTL":        c.SessionTTL.String(),
		"tickInterval":      c.TickInterval.String(),
		"backfillTimeout":   c.BackfillTimeout.String(),
		"pools":             pools,
		"allocatorMode":     c.AllocatorMode,
		"allocatorEndpoint": c.AllocatorEndpoint,
		"agonesNamespace":   c.AgonesNamespace,
		"hostedZoneID":      c.Route53HostedZoneID,
		"dnsBaseDomain":     c.DNSBaseDomain,
		"matchTokenTTL":     c.MatchTokenTTL.String(),
		"eventsProjectID":   c.PubsubProjectID,
		"eventsTopic":       c.PubsubTopic,
		"secretsProvided":   c.MatchTokenSecret != "" && c.AuthTokenSecret != "" && c.InternalToken != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int env value; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are read as seconds (SESSION_TTL=3600).
		if iv, err := strconv.Atoi(v); err == nil {
			return time.Duration(iv) * time.Second
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration env value; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
