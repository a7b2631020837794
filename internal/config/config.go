package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RFQMAIL_POLL_INTERVAL.
const EnvPrefix = "RFQMAIL"

// Config represents the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox"`
	Poll       PollConfig       `mapstructure:"poll"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	SentItems  SentItemsConfig  `mapstructure:"sent_items"`
	Store      StoreConfig      `mapstructure:"store"`
	Categories CategoriesConfig `mapstructure:"categories"`
	Redis      RedisConfig      `mapstructure:"redis"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// MailboxConfig selects and configures the Mailbox Gateway backend.
type MailboxConfig struct {
	Type       string `mapstructure:"type"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	TLS        bool   `mapstructure:"tls"`
	Inbox      string `mapstructure:"inbox"`
	Sent       string `mapstructure:"sent"`
	Delimiter  string `mapstructure:"delimiter"`
	RootFolder string `mapstructure:"root_folder"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	DenySenders []string `mapstructure:"deny_senders"`
	// MaxAttempts of 0 disables quarantine.
	MaxAttempts int `mapstructure:"max_attempts"`
	// NoMatchRechecks is how many later passes look again at an unmatched
	// message before it is marked processed.
	NoMatchRechecks int `mapstructure:"no_match_rechecks"`
}

type ClassifierConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SentItemsConfig tunes the sent-item resolver. Before attempt n (from 0)
// it waits BaseDelay + n*StepDelay.
type SentItemsConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	StepDelay   time.Duration `mapstructure:"step_delay"`
	RecentLimit int           `mapstructure:"recent_limit"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CategoriesConfig struct {
	Registry string `mapstructure:"registry"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rfqmail")
	v.SetDefault("app.env", "development")

	v.SetDefault("mailbox.type", "memory")
	v.SetDefault("mailbox.host", "")
	v.SetDefault("mailbox.port", 993)
	v.SetDefault("mailbox.username", "")
	v.SetDefault("mailbox.password", "")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.inbox", "INBOX")
	v.SetDefault("mailbox.sent", "Sent")
	v.SetDefault("mailbox.delimiter", "")
	v.SetDefault("mailbox.root_folder", "")

	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.page_size", 25)
	v.SetDefault("poll.timeout", 5*time.Minute)

	v.SetDefault("pipeline.deny_senders", []string{"mailer-daemon", "postmaster", "microsoft outlook", "no-reply", "noreply"})
	v.SetDefault("pipeline.max_attempts", 5)
	v.SetDefault("pipeline.no_match_rechecks", 3)

	v.SetDefault("classifier.url", "")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.timeout", 30*time.Second)

	v.SetDefault("sent_items.attempts", 5)
	v.SetDefault("sent_items.base_delay", 2*time.Second)
	v.SetDefault("sent_items.step_delay", time.Second)
	v.SetDefault("sent_items.recent_limit", 25)

	v.SetDefault("store.dsn", "rfqmail.db")
	v.SetDefault("categories.registry", "sqlite")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "rfqmail:")

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("logging.level", "info")
	// Empty picks console outside production and json in it.
	v.SetDefault("logging.format", "")
}

// Loader reads a Config from an optional YAML file, defaults and the
// environment, and keeps it current while the file changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configFile (may be empty) and returns a Loader holding the
// result. A missing file is not an error; defaults and env still apply.
func Load(configFile string) (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := &Loader{v: v}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else {
			l.path = configFile
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Pipeline.DenySenders = splitList(cfg.Pipeline.DenySenders)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the current configuration (thread-safe)
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File is the config file in use, or "" when running on defaults.
func (l *Loader) File() string { return l.path }

// Watch reloads the file on change and passes every valid new Config to
// onChange. An invalid edit is reported through onError and the previous
// Config stays current. Watch is a no-op without a config file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.Reload(); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		if onChange != nil {
			onChange(l.Get())
		}
	})
	l.v.WatchConfig()
}

// Reload re-reads the config file and swaps the current Config.
func (l *Loader) Reload() error {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	switch c.Mailbox.Type {
	case "memory":
	case "imap":
		if strings.TrimSpace(c.Mailbox.Host) == "" {
			problems = append(problems, "mailbox.host is required for imap")
		}
		if c.Mailbox.Username == "" {
			problems = append(problems, "mailbox.username is required for imap")
		}
		if c.Mailbox.Password == "" {
			problems = append(problems, "mailbox.password is required for imap")
		}
		if c.Mailbox.Port <= 0 || c.Mailbox.Port > 65535 {
			problems = append(problems, fmt.Sprintf("mailbox.port %d out of range", c.Mailbox.Port))
		}
	default:
		problems = append(problems, fmt.Sprintf("mailbox.type %q must be memory or imap", c.Mailbox.Type))
	}
	if c.Poll.Interval <= 0 {
		problems = append(problems, "poll.interval must be positive")
	}
	if c.Poll.PageSize <= 0 {
		problems = append(problems, "poll.page_size must be positive")
	}
	if c.Pipeline.MaxAttempts < 0 {
		problems = append(problems, "pipeline.max_attempts must not be negative")
	}
	if c.Pipeline.NoMatchRechecks < 0 {
		problems = append(problems, "pipeline.no_match_rechecks must not be negative")
	}
	if c.App.IsProduction() && c.Mailbox.Type == "memory" {
		problems = append(problems, "mailbox.type memory is not allowed in production")
	}
	if c.SentItems.Attempts <= 0 {
		problems = append(problems, "sent_items.attempts must be positive")
	}
	switch c.Categories.Registry {
	case "sqlite", "redis":
	default:
		problems = append(problems, fmt.Sprintf("categories.registry %q must be sqlite or redis", c.Categories.Registry))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// LogFormat returns logging.format, or the environment's default when unset.
func (c *Config) LogFormat() string {
	if f := strings.TrimSpace(c.Logging.Format); f != "" {
		return f
	}
	if c.App.IsProduction() {
		return "json"
	}
	return "console"
}

// splitList accepts both YAML lists and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
