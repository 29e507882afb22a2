package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
)

const defaultLPDPort = 515

var ErrUnknownPrinter = errors.New("printer is not configured")

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Spool       SpoolConfig       `yaml:"spool"`
	Queue       QueueConfig       `yaml:"queue"`
	Devices     DevicesConfig     `yaml:"devices"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Notify      NotifyConfig      `yaml:"notify"`
	Auth        AuthConfig        `yaml:"auth"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Printers    []Printer         `yaml:"printers"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	AdminListen    string        `yaml:"admin_listen"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
}

type SpoolConfig struct {
	Root          string `yaml:"root"`
	LongNumber    bool   `yaml:"long_number"`
	MaxWraps      int    `yaml:"max_wraps"`
	MinFreeKB     int64  `yaml:"min_free_kb"`
	MaxStatusSize int64  `yaml:"max_status_size"`
}

type QueueConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	DoneJobsMaxAge   time.Duration `yaml:"done_jobs_max_age"`
	AbandonedMaxAge  time.Duration `yaml:"abandoned_max_age"`
	SubserverTimeout time.Duration `yaml:"subserver_timeout"`
}

type DevicesConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
}

type DatabaseConfig struct {
	Path            string `yaml:"path"`
	ArchivePath     string `yaml:"archive_path"`
	ArchiveDays     int    `yaml:"archive_days"`
	ArchiveSchedule string `yaml:"archive_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NotifyConfig struct {
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	WebhookWorkers int             `yaml:"webhook_workers"`
	NATS           NATSConfig      `yaml:"nats"`
	Mail           MailConfig      `yaml:"mail"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MailConfig struct {
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
	// Operator also receives failure notices when set.
	Operator string `yaml:"operator"`
}

type AuthConfig struct {
	// Secrets are the per-user shared secrets of the hmac transfer method.
	Secrets   map[string]string `yaml:"secrets"`
	JWTSecret string            `yaml:"jwt_secret"`
	TokenTTL  time.Duration     `yaml:"token_ttl"`
}

type PermissionsConfig struct {
	AllowHosts []string `yaml:"allow_hosts"`
	DenyUsers  []string `yaml:"deny_users"`
	// Operators may control queues and remove any job.
	Operators []string `yaml:"operators"`
}

// Route is one static fan-out destination of a printer.
type Route struct {
	Name   string `yaml:"name"`
	Copies int    `yaml:"copies"`
}

// Printer is one queue entry, in the spirit of a printcap line.
type Printer struct {
	Name     string `yaml:"name"`
	SpoolDir string `yaml:"spool_dir"`
	// Device is a file path or host%port for raw TCP.
	Device string `yaml:"device"`
	// Remote forwards jobs to queue@host[:port].
	Remote string `yaml:"remote"`
	// Servers turns the queue into a load balancing front for these queues.
	Servers []string `yaml:"servers"`
	Class   string   `yaml:"class"`
	// Filters maps a format letter (or "*") to a command.
	Filters            map[string]string `yaml:"filters"`
	MaxRetries         int               `yaml:"max_retries"`
	MaxJobKB           int64             `yaml:"max_job_kb"`
	SendBlock          bool              `yaml:"send_block"`
	ControlFirst       *bool             `yaml:"control_first"`
	Auth               string            `yaml:"auth"`
	AuthUser           string            `yaml:"auth_user"`
	SaveWhenDone       bool              `yaml:"save_when_done"`
	SaveOnError        bool              `yaml:"save_on_error"`
	StopOnAbort        bool              `yaml:"stop_on_abort"`
	Routes             []Route           `yaml:"routes"`
	ConnectRetries     uint              `yaml:"connect_retries"`
	ConnectInterval    time.Duration     `yaml:"connect_interval"`
	MaxConnectInterval time.Duration     `yaml:"max_connect_interval"`
	ExhaustedAction    string            `yaml:"exhausted_action"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         ":515",
			AdminListen:    ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IOTimeout:      60 * time.Second,
			StatusCacheTTL: 2 * time.Second,
		},
		Spool: SpoolConfig{
			Root:          "./data/spool",
			MaxWraps:      1,
			MinFreeKB:     1024,
			MaxStatusSize: 64 * 1024,
		},
		Queue: QueueConfig{
			MaxRetries:       3,
			RetryDelay:       10 * time.Second,
			MaxRetryDelay:    5 * time.Minute,
			PollInterval:     time.Minute,
			DoneJobsMaxAge:   24 * time.Hour,
			AbandonedMaxAge:  time.Hour,
			SubserverTimeout: time.Hour,
		},
		Devices: DevicesConfig{
			HealthCheckInterval: 30 * time.Second,
			ConnectionTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "./data/spool.db",
			ArchivePath:     "./data/archives",
			ArchiveDays:     30,
			ArchiveSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Notify: NotifyConfig{
			WebhookWorkers: 2,
			NATS:           NATSConfig{Subject: "spoold.jobs"},
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaults() }

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SPOOLD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}

	if v := os.Getenv("SPOOLD_ADMIN_LISTEN"); v != "" {
		cfg.Server.AdminListen = v
	}

	if v := os.Getenv("SPOOLD_SPOOL_ROOT"); v != "" {
		cfg.Spool.Root = v
	}

	if v := os.Getenv("SPOOLD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SPOOLD_ARCHIVE_PATH"); v != "" {
		cfg.Database.ArchivePath = v
	}

	if v := os.Getenv("SPOOLD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}

	if v := os.Getenv("SPOOLD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SPOOLD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IOTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Spool.Root == "" {
		return fmt.Errorf("spool root is required")
	}

	if c.Spool.MaxWraps < 1 {
		return fmt.Errorf("spool max_wraps must be at least 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.RetryDelay < 0 || c.Queue.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.Printers))
	for i := range c.Printers {
		p := &c.Printers[i]
		if err := job.ValidPrinterName(p.Name); err != nil {
			return fmt.Errorf("printer %d: %w", i, err)
		}
		if names[p.Name] {
			return fmt.Errorf("printer %s is defined twice", p.Name)
		}
		names[p.Name] = true
		if p.Device != "" && p.Remote != "" {
			return fmt.Errorf("printer %s: device and remote are exclusive", p.Name)
		}
		if p.Remote != "" {
			if _, _, err := p.RemoteQueue(); err != nil {
				return fmt.Errorf("printer %s: %w", p.Name, err)
			}
		}
		if _, err := jobstate.ParseAction(p.ExhaustedAction); err != nil {
			return fmt.Errorf("printer %s: %w", p.Name, err)
		}
		if p.Auth != "" && p.AuthUser == "" {
			return fmt.Errorf("printer %s: auth requires auth_user", p.Name)
		}
		for _, r := range p.Routes {
			if r.Name == "" {
				return fmt.Errorf("printer %s: route without name", p.Name)
			}
		}
	}
	for _, p := range c.Printers {
		for _, s := range p.Servers {
			if !names[s] {
				return fmt.Errorf("printer %s: unknown server queue %s", p.Name, s)
			}
			if s == p.Name {
				return fmt.Errorf("printer %s lists itself as a server", p.Name)
			}
		}
	}

	return nil
}

// Printer returns the entry for name.
func (c *Config) Printer(name string) (*Printer, bool) {
	for i := range c.Printers {
		if c.Printers[i].Name == name {
			return &c.Printers[i], true
		}
	}
	return nil, false
}

// SetupPrinter resolves a queue name to its spool directory and entry.
func (c *Config) SetupPrinter(name string) (string, *Printer, error) {
	if err := job.ValidPrinterName(name); err != nil {
		return "", nil, err
	}
	p, ok := c.Printer(name)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownPrinter, name)
	}
	return c.SpoolDir(p), p, nil
}

func (c *Config) SpoolDir(p *Printer) string {
	if p.SpoolDir != "" {
		return p.SpoolDir
	}
	return filepath.Join(c.Spool.Root, p.Name)
}

// PrinterNames lists the configured queues in file order.
func (c *Config) PrinterNames() []string {
	names := make([]string, 0, len(c.Printers))
	for _, p := range c.Printers {
		names = append(names, p.Name)
	}
	return names
}

// RemoteQueue splits Remote (queue@host[:port]) into the queue and a dialable address.
func (p *Printer) RemoteQueue() (queue, addr string, err error) {
	return ParseRemote(p.Remote)
}

// ParseRemote splits queue@host[:port].
func ParseRemote(s string) (queue, addr string, err error) {
	queue, host, ok := strings.Cut(s, "@")
	if !ok || queue == "" || host == "" {
		return "", "", fmt.Errorf("remote %q must be queue@host[:port]", s)
	}
	if err := job.ValidPrinterName(queue); err != nil {
		return "", "", err
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(defaultLPDPort))
	}
	return queue, host, nil
}

func (p *Printer) IsLoadBalanced() bool { return len(p.Servers) > 0 }

// SendControlFirst defaults to true.
func (p *Printer) SendControlFirst() bool {
	return p.ControlFirst == nil || *p.ControlFirst
}

// RetryLimit is the printer's max_retries, falling back to the queue default.
// Zero means unlimited.
func (p *Printer) RetryLimit(q QueueConfig) int {
	switch {
	case p.MaxRetries < 0:
		return 0
	case p.MaxRetries > 0:
		return p.MaxRetries
	}
	return q.MaxRetries
}

// Filter returns the command for a data file format, or "" to copy raw.
func (p *Printer) Filter(format byte) string {
	if cmd, ok := p.Filters[string(format)]; ok {
		return cmd
	}
	return p.Filters["*"]
}

// Destinations converts the static routes into the destination records of a new job.
func (p *Printer) Destinations() []job.Destination {
	if len(p.Routes) == 0 {
		return nil
	}
	out := make([]job.Destination, 0, len(p.Routes))
	for _, r := range p.Routes {
		out = append(out, job.Destination{Name: r.Name, Copies: max(r.Copies, 1)})
	}
	return out
}
