package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Server
	Port string
	Env  string

	// Loop behaviour
	Prompt                string
	DryRun                bool
	BacklogCount          int
	MinMessages           int
	FastSleep             time.Duration
	Sleep                 time.Duration
	BrokenKeywords        []string
	SelfAwarenessKeywords []string

	// Generation backend
	Backend        string
	Model          string
	BackendBaseURL string
	BackendTokens  []string
	AskTimeout     time.Duration

	// Channel
	Channel         string
	TargetChannelID string
	DiscordToken    string
	SelfBot         bool
	SelfName        string
	SendPerMinute   int

	// Redis (optional: redis channel + live event feed)
	RedisURL string

	// Database (optional: audit log)
	DatabaseURL string

	// Operator API
	OperatorJWTSecret string
}

// fileConfig mirrors the on-disk config. Every field is optional so that the
// environment can fill or override it.
type fileConfig struct {
	Port                  *flexString `yaml:"port"`
	Env                   *string     `yaml:"env"`
	Prompt                *string     `yaml:"prompt"`
	DryRun                *bool       `yaml:"dry_run"`
	BacklogCount          *int        `yaml:"backlog_count"`
	MinMessages           *int        `yaml:"min_messages"`
	FastSleepSeconds      *float64    `yaml:"fast_sleep_s"`
	SleepSeconds          *float64    `yaml:"sleep_s"`
	BrokenKeywords        []string    `yaml:"broken_keywords"`
	SelfAwarenessKeywords []string    `yaml:"self_awareness_keywords"`
	Backend               *string     `yaml:"backend"`
	Model                 *string     `yaml:"model"`
	BackendBaseURL        *string     `yaml:"backend_base_url"`
	BackendTokens         []string    `yaml:"backend_tokens"`
	LegacyTokens          []string    `yaml:"chatgpt_tokens"`
	AskTimeoutSeconds     *float64    `yaml:"ask_timeout_s"`
	Channel               *string     `yaml:"channel"`
	TargetChannelID       *flexString `yaml:"target_channel_id"`
	DiscordToken          *string     `yaml:"discord_token"`
	SelfBot               *bool       `yaml:"self_bot"`
	SelfName              *string     `yaml:"self_name"`
	SendPerMinute         *int        `yaml:"send_per_minute"`
	RedisURL              *string     `yaml:"redis_url"`
	DatabaseURL           *string     `yaml:"database_url"`
	OperatorJWTSecret     *string     `yaml:"operator_jwt_secret"`
}

// flexString accepts both quoted and bare scalars, so numeric channel IDs
// survive without float rounding.
type flexString string

func (f *flexString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*f = flexString(node.Value)
	return nil
}

// Load reads an optional config file (CONFIG_FILE or path), then lets the
// environment override it, then validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:          "8080",
		Env:           "development",
		BacklogCount:  20,
		MinMessages:   5,
		FastSleep:     60 * time.Second,
		Sleep:         300 * time.Second,
		Backend:       "gemini",
		Channel:       "discord",
		SendPerMinute: 10,
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Port != nil {
		c.Port = string(*fc.Port)
	}
	if fc.Env != nil {
		c.Env = *fc.Env
	}
	if fc.Prompt != nil {
		c.Prompt = *fc.Prompt
	}
	if fc.DryRun != nil {
		c.DryRun = *fc.DryRun
	}
	if fc.BacklogCount != nil {
		c.BacklogCount = *fc.BacklogCount
	}
	if fc.MinMessages != nil {
		c.MinMessages = *fc.MinMessages
	}
	if fc.FastSleepSeconds != nil {
		c.FastSleep = seconds(*fc.FastSleepSeconds)
	}
	if fc.SleepSeconds != nil {
		c.Sleep = seconds(*fc.SleepSeconds)
	}
	if fc.BrokenKeywords != nil {
		c.BrokenKeywords = fc.BrokenKeywords
	}
	if fc.SelfAwarenessKeywords != nil {
		c.SelfAwarenessKeywords = fc.SelfAwarenessKeywords
	}
	if fc.Backend != nil {
		c.Backend = *fc.Backend
	}
	if fc.Model != nil {
		c.Model = *fc.Model
	}
	if fc.BackendBaseURL != nil {
		c.BackendBaseURL = *fc.BackendBaseURL
	}
	switch {
	case fc.BackendTokens != nil:
		c.BackendTokens = fc.BackendTokens
	case fc.LegacyTokens != nil:
		c.BackendTokens = fc.LegacyTokens
	}
	if fc.AskTimeoutSeconds != nil {
		c.AskTimeout = seconds(*fc.AskTimeoutSeconds)
	}
	if fc.Channel != nil {
		c.Channel = *fc.Channel
	}
	if fc.TargetChannelID != nil {
		c.TargetChannelID = string(*fc.TargetChannelID)
	}
	if fc.DiscordToken != nil {
		c.DiscordToken = *fc.DiscordToken
	}
	if fc.SelfBot != nil {
		c.SelfBot = *fc.SelfBot
	}
	if fc.SelfName != nil {
		c.SelfName = *fc.SelfName
	}
	if fc.SendPerMinute != nil {
		c.SendPerMinute = *fc.SendPerMinute
	}
	if fc.RedisURL != nil {
		c.RedisURL = *fc.RedisURL
	}
	if fc.DatabaseURL != nil {
		c.DatabaseURL = *fc.DatabaseURL
	}
	if fc.OperatorJWTSecret != nil {
		c.OperatorJWTSecret = *fc.OperatorJWTSecret
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.Env = getEnvOrDefault("ENV", c.Env)

	c.Prompt = getEnvOrDefault("PROMPT", c.Prompt)
	c.DryRun = getEnvAsBoolOrDefault("DRY_RUN", c.DryRun)
	c.BacklogCount = getEnvAsIntOrDefault("BACKLOG_COUNT", c.BacklogCount)
	c.MinMessages = getEnvAsIntOrDefault("MIN_MESSAGES", c.MinMessages)
	c.FastSleep = getEnvAsSecondsOrDefault("FAST_SLEEP_S", c.FastSleep)
	c.Sleep = getEnvAsSecondsOrDefault("SLEEP_S", c.Sleep)
	c.BrokenKeywords = getEnvAsListOrDefault("BROKEN_KEYWORDS", c.BrokenKeywords)
	c.SelfAwarenessKeywords = getEnvAsListOrDefault("SELF_AWARENESS_KEYWORDS", c.SelfAwarenessKeywords)

	c.Backend = getEnvOrDefault("BACKEND", c.Backend)
	c.Model = getEnvOrDefault("MODEL", c.Model)
	c.BackendBaseURL = getEnvOrDefault("BACKEND_BASE_URL", c.BackendBaseURL)
	c.BackendTokens = getEnvAsListOrDefault("BACKEND_TOKENS", c.BackendTokens)
	c.AskTimeout = getEnvAsSecondsOrDefault("ASK_TIMEOUT_S", c.AskTimeout)

	c.Channel = getEnvOrDefault("CHANNEL", c.Channel)
	c.TargetChannelID = getEnvOrDefault("TARGET_CHANNEL_ID", c.TargetChannelID)
	c.DiscordToken = getEnvOrDefault("DISCORD_TOKEN", c.DiscordToken)
	c.SelfBot = getEnvAsBoolOrDefault("SELF_BOT", c.SelfBot)
	c.SelfName = getEnvOrDefault("SELF_NAME", c.SelfName)
	c.SendPerMinute = getEnvAsIntOrDefault("SEND_PER_MINUTE", c.SendPerMinute)

	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.OperatorJWTSecret = getEnvOrDefault("OPERATOR_JWT_SECRET", c.OperatorJWTSecret)
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Prompt) == "" {
		add("prompt is required")
	}
	if len(c.BackendTokens) == 0 {
		add("at least one backend token is required")
	}
	for i, tok := range c.BackendTokens {
		if strings.TrimSpace(tok) == "" {
			add("backend token %d is empty", i)
		}
	}
	if c.BacklogCount <= 0 {
		add("backlog_count must be positive, got %d", c.BacklogCount)
	}
	if c.MinMessages < 0 {
		add("min_messages must not be negative, got %d", c.MinMessages)
	}
	if c.FastSleep <= 0 {
		add("fast_sleep_s must be positive")
	}
	if c.Sleep <= 0 {
		add("sleep_s must be positive")
	}
	if c.AskTimeout < 0 {
		add("ask_timeout_s must not be negative")
	}
	if c.SendPerMinute <= 0 {
		add("send_per_minute must be positive, got %d", c.SendPerMinute)
	}

	switch c.Backend {
	case "gemini", "openai":
	default:
		add("unknown backend %q (want gemini or openai)", c.Backend)
	}

	if c.TargetChannelID == "" {
		add("target_channel_id is required")
	}
	switch c.Channel {
	case "discord":
		if c.DiscordToken == "" {
			add("discord_token is required for the discord channel")
		}
	case "redis":
		if c.RedisURL == "" {
			add("redis_url is required for the redis channel")
		}
		if c.SelfName == "" {
			add("self_name is required for the redis channel")
		}
	default:
		add("unknown channel %q (want discord or redis)", c.Channel)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// HTTPEnabled reports whether the status server should listen.
func (c *Config) HTTPEnabled() bool {
	return c.Port != "" && c.Port != "0"
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.BackendTokens = make([]string, len(c.BackendTokens))
	for i, tok := range c.BackendTokens {
		out.BackendTokens[i] = mask(tok)
	}
	out.DiscordToken = mask(c.DiscordToken)
	out.OperatorJWTSecret = mask(c.OperatorJWTSecret)
	out.DatabaseURL = mask(c.DatabaseURL)
	out.RedisURL = mask(c.RedisURL)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsSecondsOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	s, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return seconds(s)
}

// getEnvAsListOrDefault splits a comma separated value, dropping blanks.
func getEnvAsListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
