package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env; a .env file is loaded first when present.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Transport TransportConfig
	Media     MediaConfig
	Tickets   TicketsConfig
	Outbound  OutboundConfig
	Kafka     KafkaConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
	// InstanceID tags fanout events relayed between replicas.
	InstanceID string
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
}

// RedisConfig is optional. Without a host the session lease and cross-replica fanout are off.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	FanoutChannel string
}

// AuthConfig covers collaborator service tokens. An empty TokenSecret disables auth outside production.
type AuthConfig struct {
	TokenSecret string
	Issuer      string
	Audience    string
	TokenTTL    time.Duration
}

type TransportConfig struct {
	SessionName       string
	InactivityTimeout time.Duration
	LeaseTTL          time.Duration
}

type MediaConfig struct {
	Root       string
	PublicPath string
	MaxBytes   int64
}

type TicketsConfig struct {
	Channel        string
	WelcomeMessage string
	// AutoCloseAfter <= 0 disables the stale ticket sweep.
	AutoCloseAfter  time.Duration
	SweepSchedule   string
	RoutingPolicy   string
	RoutingRules    string
	RoutingQueues   string
	LaneConcurrency int
}

type OutboundConfig struct {
	SendTimeout time.Duration
	RetryDelay  time.Duration
	Concurrency int
}

type KafkaConfig struct {
	Brokers string
	Topic   string
}

const defaultWelcome = "Olá! Recebemos sua mensagem. Em instantes um atendente vai falar com você."

func Load() (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	return FromEnv()
}

// FromEnv reads the process environment without touching .env files.
func FromEnv() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.InstanceID = strings.TrimSpace(os.Getenv("INSTANCE_ID"))
	c.App.AllowedOrigins = splitList(os.Getenv("WS_ALLOWED_ORIGINS"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		b, err := optionalBool("DB_AUTO_MIGRATE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.DB.AutoMigrate = b
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.FanoutChannel = strings.TrimSpace(os.Getenv("REDIS_FANOUT_CHANNEL"))

	c.Auth.TokenSecret = os.Getenv("API_TOKEN_SECRET")
	c.Auth.Issuer = strings.TrimSpace(os.Getenv("API_TOKEN_ISSUER"))
	c.Auth.Audience = strings.TrimSpace(os.Getenv("API_TOKEN_AUDIENCE"))

	c.Transport.SessionName = strings.TrimSpace(os.Getenv("TRANSPORT_SESSION_NAME"))

	c.Media.Root = strings.TrimSpace(os.Getenv("MEDIA_ROOT"))
	c.Media.PublicPath = strings.TrimSpace(os.Getenv("MEDIA_PUBLIC_PATH"))
	{
		n, err := optionalInt("MEDIA_MAX_BYTES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Media.MaxBytes = int64(n)
	}

	c.Tickets.Channel = strings.TrimSpace(os.Getenv("TICKET_CHANNEL"))
	c.Tickets.WelcomeMessage = os.Getenv("TICKET_WELCOME_MESSAGE")
	c.Tickets.SweepSchedule = strings.TrimSpace(os.Getenv("TICKET_SWEEP_SCHEDULE"))
	c.Tickets.RoutingPolicy = strings.TrimSpace(os.Getenv("ROUTING_POLICY"))
	c.Tickets.RoutingRules = strings.TrimSpace(os.Getenv("ROUTING_RULES"))
	c.Tickets.RoutingQueues = strings.TrimSpace(os.Getenv("ROUTING_QUEUES"))
	{
		n, err := optionalInt("INBOUND_LANE_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Tickets.LaneConcurrency = n
	}
	{
		n, err := optionalInt("OUTBOUND_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbound.Concurrency = n
	}

	c.Kafka.Brokers = strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))

	// Duration env vars are optional; defaults applied in Validate() based on env.
	for key, dst := range map[string]*time.Duration{
		"API_TOKEN_TTL":                &c.Auth.TokenTTL,
		"TRANSPORT_INACTIVITY_TIMEOUT": &c.Transport.InactivityTimeout,
		"TRANSPORT_LEASE_TTL":          &c.Transport.LeaseTTL,
		"TICKET_AUTO_CLOSE_AFTER":      &c.Tickets.AutoCloseAfter,
		"OUTBOUND_SEND_TIMEOUT":        &c.Outbound.SendTimeout,
		"OUTBOUND_RETRY_DELAY":         &c.Outbound.RetryDelay,
	} {
		d, err := mustDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.InstanceID == "" {
		host, _ := os.Hostname()
		c.App.InstanceID = host
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}
	if c.Redis.FanoutChannel == "" {
		c.Redis.FanoutChannel = "chatdesk:fanout"
	}

	if c.Auth.TokenSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("API_TOKEN_SECRET is required in production"))
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 90 * 24 * time.Hour
	}

	if c.Transport.SessionName == "" {
		c.Transport.SessionName = "default"
	}
	if c.Transport.InactivityTimeout < 0 {
		errs = append(errs, errors.New("TRANSPORT_INACTIVITY_TIMEOUT must not be negative"))
	}
	if c.Transport.InactivityTimeout == 0 {
		c.Transport.InactivityTimeout = 12 * time.Hour
	}
	if c.Transport.LeaseTTL <= 0 {
		c.Transport.LeaseTTL = 30 * time.Second
	}

	if c.Media.Root == "" {
		c.Media.Root = "./media"
	}
	if c.Media.PublicPath == "" {
		c.Media.PublicPath = "/media"
	}
	if !strings.HasPrefix(c.Media.PublicPath, "/") || c.Media.PublicPath == "/" {
		errs = append(errs, fmt.Errorf("MEDIA_PUBLIC_PATH must be an absolute sub-path, got %q", c.Media.PublicPath))
	}
	if c.Media.MaxBytes <= 0 {
		c.Media.MaxBytes = 64 << 20
	}

	if c.Tickets.Channel == "" {
		c.Tickets.Channel = "whatsapp"
	}
	if c.Tickets.WelcomeMessage == "" {
		c.Tickets.WelcomeMessage = defaultWelcome
	}
	if c.Tickets.SweepSchedule == "" {
		c.Tickets.SweepSchedule = "@every 5m"
	}
	if c.Tickets.RoutingPolicy == "" {
		c.Tickets.RoutingPolicy = "keep"
		if c.Tickets.RoutingRules != "" {
			c.Tickets.RoutingPolicy = "keyword"
		}
	}
	if !isValidPolicy(c.Tickets.RoutingPolicy) {
		errs = append(errs, fmt.Errorf("ROUTING_POLICY must be one of keep, promote, keyword, got %q", c.Tickets.RoutingPolicy))
	}
	if c.Tickets.LaneConcurrency <= 0 {
		c.Tickets.LaneConcurrency = 8
	}

	if c.Outbound.SendTimeout <= 0 {
		c.Outbound.SendTimeout = 15 * time.Second
	}
	if c.Outbound.RetryDelay <= 0 {
		c.Outbound.RetryDelay = time.Second
	}
	if c.Outbound.Concurrency <= 0 {
		c.Outbound.Concurrency = 4
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "chatdesk.ticket-events"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) AuthEnabled() bool { return c.Auth.TokenSecret != "" }

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// mustDuration returns 0 for an unset key and an error for a malformed one.
func mustDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isValidPolicy(v string) bool {
	switch v {
	case "keep", "promote", "keyword":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
