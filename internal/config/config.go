package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	UserID          string
	DatabaseURL     string
	LocalDBPath     string
	ChangeFeed      string // kafka, pgnotify or none
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	PGNotifyChannel string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string

	FastInterval          time.Duration
	SlowInterval          time.Duration
	FullSyncThreshold     time.Duration
	IncrementalGapCeiling time.Duration
	StartupFullThreshold  time.Duration
	LockStaleTimeout      time.Duration
	EmptyBackoffAfter     int
	MaxIntervalStretch    int
}

func Default() Config {
	return Config{
		LocalDBPath:           "ledger.db",
		ChangeFeed:            "none",
		KafkaTopic:            "ledger_changes",
		PGNotifyChannel:       "ledger_changes",
		HTTPAddr:              ":8080",
		LogLevel:              "info",
		LogFormat:             "json",
		FastInterval:          30 * time.Second,
		SlowInterval:          2 * time.Minute,
		FullSyncThreshold:     6 * time.Hour,
		IncrementalGapCeiling: 24 * time.Hour,
		StartupFullThreshold:  12 * time.Hour,
		LockStaleTimeout:      5 * time.Minute,
		EmptyBackoffAfter:     5,
		MaxIntervalStretch:    4,
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment without overriding variables already set, then parses
// the environment. Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv parses configuration from lookup over the defaults.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str("LEDGER_USER_ID", &c.UserID)
	p.str("DATABASE_URL", &c.DatabaseURL)
	p.str("LOCAL_DB_PATH", &c.LocalDBPath)
	p.str("CHANGE_FEED", &c.ChangeFeed)
	p.list("KAFKA_BROKERS", &c.KafkaBrokers)
	p.str("KAFKA_TOPIC", &c.KafkaTopic)
	p.str("KAFKA_GROUP_ID", &c.KafkaGroupID)
	p.str("PG_NOTIFY_CHANNEL", &c.PGNotifyChannel)
	p.str("HTTP_ADDR", &c.HTTPAddr)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)
	p.duration("SYNC_FAST_INTERVAL", &c.FastInterval)
	p.duration("SYNC_SLOW_INTERVAL", &c.SlowInterval)
	p.duration("FULL_SYNC_THRESHOLD", &c.FullSyncThreshold)
	p.duration("INCREMENTAL_GAP_CEILING", &c.IncrementalGapCeiling)
	p.duration("STARTUP_FULL_THRESHOLD", &c.StartupFullThreshold)
	p.duration("LOCK_STALE_TIMEOUT", &c.LockStaleTimeout)
	p.integer("EMPTY_SYNC_BACKOFF_AFTER", &c.EmptyBackoffAfter)
	p.integer("MAX_INTERVAL_STRETCH", &c.MaxIntervalStretch)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.ChangeFeed {
	case "none", "pgnotify":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("CHANGE_FEED=kafka needs KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHANGE_FEED: unknown feed %q", c.ChangeFeed))
	}
	if c.ChangeFeed == "pgnotify" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("CHANGE_FEED=pgnotify needs DATABASE_URL"))
	}
	for name, d := range map[string]time.Duration{
		"SYNC_FAST_INTERVAL":      c.FastInterval,
		"SYNC_SLOW_INTERVAL":      c.SlowInterval,
		"FULL_SYNC_THRESHOLD":     c.FullSyncThreshold,
		"INCREMENTAL_GAP_CEILING": c.IncrementalGapCeiling,
		"STARTUP_FULL_THRESHOLD":  c.StartupFullThreshold,
		"LOCK_STALE_TIMEOUT":      c.LockStaleTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxIntervalStretch < 1 {
		errs = append(errs, errors.New("MAX_INTERVAL_STRETCH must be at least 1"))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}
