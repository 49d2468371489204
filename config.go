package waybackproxy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

//Config is the runtime configuration snapshot.
// A snapshot is immutable after construction, live reload replaces the whole
// record through a ConfigRef instead of mutating fields
type Config struct {
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Access      AccessConfig      `mapstructure:"access"`
	Transform   TransformConfig   `mapstructure:"transform"`
	HeaderBar   HeaderBarConfig   `mapstructure:"header_bar"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	LandingPage LandingPageConfig `mapstructure:"landing_page"`
}

type ProxyConfig struct {
	//Host and Port the proxy listens on
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	//TargetDate is the YYYYMMDD date the proxy replays
	TargetDate string `mapstructure:"target_date"`

	//DateToleranceDays is the accepted distance between the requested and served snapshot date
	DateToleranceDays int `mapstructure:"date_tolerance_days"`

	//ErrorPagesDir optionally points at a directory with themed error page templates
	ErrorPagesDir string `mapstructure:"error_pages_dir"`
}

type CacheConfig struct {
	RedisURL string `mapstructure:"redis_url"`

	//HotTTLDays is the hot tier expiry, zero disables the hot tier
	HotTTLDays int `mapstructure:"hot_ttl_days"`
}

type AccessConfig struct {
	//Mode is "open" or "allowlist"
	Mode string `mapstructure:"mode"`
}

type TransformConfig struct {
	RemoveWaybackToolbar bool `mapstructure:"remove_wayback_toolbar"`
	RemoveWaybackScripts bool `mapstructure:"remove_wayback_scripts"`
	FixBaseTags          bool `mapstructure:"fix_base_tags"`
	FixAssetURLs         bool `mapstructure:"fix_asset_urls"`
	NormalizeLinks       bool `mapstructure:"normalize_links"`
}

type HeaderBarConfig struct {
	Enabled bool `mapstructure:"enabled"`

	//Position is "top" or "bottom"
	Position string `mapstructure:"position"`

	//Text is the branding text shown in the bar
	Text string `mapstructure:"text"`
}

type ThrottleConfig struct {
	//Speed is the default speed tier name, see SpeedTiers
	Speed string `mapstructure:"speed"`

	//Selector lets visitors pick their own speed via the header bar dropdown
	Selector bool `mapstructure:"selector"`
}

type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`

	//Password for HTTP Basic Auth, the admin surface refuses to serve without one
	Password string `mapstructure:"password"`
}

type CrawlerConfig struct {
	//Concurrency is the number of parallel crawl fetchers
	Concurrency int `mapstructure:"concurrency"`

	//MaxURLs caps the visited set per crawl, zero means unlimited
	MaxURLs int `mapstructure:"max_urls"`
}

type LandingPageConfig struct {
	Enabled bool `mapstructure:"enabled"`

	//MostViewedCount is the length of the most-viewed list on the landing page
	MostViewedCount int `mapstructure:"most_viewed_count"`
}

//HotTTL converts the configured hot tier expiry to a duration
func (conf *Config) HotTTL() time.Duration {
	return time.Duration(conf.Cache.HotTTLDays) * 24 * time.Hour
}

//AllowlistMode reports whether the allowlist gates forward-proxy traffic
func (conf *Config) AllowlistMode() bool {
	return conf.Access.Mode == "allowlist"
}

//Transformer builds the content transformer matching the transform section
func (conf *Config) Transformer() *Transformer {
	return &Transformer{
		RemoveToolbar:  conf.Transform.RemoveWaybackToolbar,
		RemoveScripts:  conf.Transform.RemoveWaybackScripts,
		FixBaseTags:    conf.Transform.FixBaseTags,
		FixAssetURLs:   conf.Transform.FixAssetURLs,
		NormalizeLinks: conf.Transform.NormalizeLinks,
	}
}

//Validate checks the invariants the rest of the proxy relies on
func (conf *Config) Validate() error {
	if conf.Proxy.Port < 1 || conf.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d is out of range", conf.Proxy.Port)
	}

	if _, err := time.Parse("20060102", conf.Proxy.TargetDate); err != nil {
		return fmt.Errorf("proxy.target_date %q is not a valid YYYYMMDD date: %w", conf.Proxy.TargetDate, err)
	}

	if conf.Access.Mode != "open" && conf.Access.Mode != "allowlist" {
		return fmt.Errorf("access.mode %q must be 'open' or 'allowlist'", conf.Access.Mode)
	}

	if !ValidSpeed(conf.Throttle.Speed) {
		return fmt.Errorf("throttle.speed %q is not a known speed tier", conf.Throttle.Speed)
	}

	if conf.HeaderBar.Position != "top" && conf.HeaderBar.Position != "bottom" {
		return fmt.Errorf("header_bar.position %q must be 'top' or 'bottom'", conf.HeaderBar.Position)
	}

	if conf.Cache.HotTTLDays < 0 {
		return fmt.Errorf("cache.hot_ttl_days must not be negative")
	}

	if conf.Crawler.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be at least 1")
	}

	return nil
}

//flagBindings maps config keys to their CLI flag and environment variable.
// Priority is flag over environment over YAML file over default
var flagBindings = []struct {
	key  string
	flag string
	env  string
}{
	{"proxy.host", "host", "HOST"},
	{"proxy.port", "port", "PORT"},
	{"proxy.target_date", "date", "TARGET_DATE"},
	{"proxy.date_tolerance_days", "date-tolerance-days", "DATE_TOLERANCE_DAYS"},
	{"proxy.error_pages_dir", "error-pages", "ERROR_PAGES"},
	{"cache.redis_url", "redis", "REDIS_URL"},
	{"cache.hot_ttl_days", "hot-ttl-days", "HOT_TTL_DAYS"},
	{"header_bar.enabled", "header-bar", "HEADER_BAR"},
	{"header_bar.position", "header-bar-position", "HEADER_BAR_POSITION"},
	{"header_bar.text", "header-bar-text", "HEADER_BAR_TEXT"},
	{"throttle.speed", "speed", "SPEED"},
	{"throttle.selector", "speed-selector", "SPEED_SELECTOR"},
	{"admin.enabled", "admin", "ADMIN"},
	{"admin.password", "admin-password", "ADMIN_PASSWORD"},
	{"crawler.concurrency", "crawl-concurrency", "CRAWL_CONCURRENCY"},
	{"crawler.max_urls", "crawl-max-urls", "CRAWL_MAX_URLS"},
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8888)
	v.SetDefault("proxy.target_date", "20010101")
	v.SetDefault("proxy.date_tolerance_days", 365)
	v.SetDefault("proxy.error_pages_dir", "")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.hot_ttl_days", 7)
	v.SetDefault("access.mode", "open")
	v.SetDefault("transform.remove_wayback_toolbar", true)
	v.SetDefault("transform.remove_wayback_scripts", true)
	v.SetDefault("transform.fix_base_tags", true)
	v.SetDefault("transform.fix_asset_urls", true)
	v.SetDefault("transform.normalize_links", true)
	v.SetDefault("header_bar.enabled", false)
	v.SetDefault("header_bar.position", "top")
	v.SetDefault("header_bar.text", "Wayback Cache Proxy")
	v.SetDefault("throttle.speed", "unlimited")
	v.SetDefault("throttle.selector", false)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.password", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_urls", 10000)
	v.SetDefault("landing_page.enabled", true)
	v.SetDefault("landing_page.most_viewed_count", 10)
}

//LoadConfig builds a config snapshot from flags, environment variables and an
// optional YAML file, in that priority order. Unknown YAML keys are rejected.
// The flag set may be nil, then only environment, file and defaults apply
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	for _, binding := range flagBindings {
		if err := v.BindEnv(binding.key, binding.env); err != nil {
			return nil, err
		}

		if flags != nil {
			if flag := flags.Lookup(binding.flag); flag != nil {
				if err := v.BindPFlag(binding.key, flag); err != nil {
					return nil, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	conf := &Config{}
	if err := v.UnmarshalExact(conf); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	//Flags without a config key equivalent
	if flags != nil {
		if flag := flags.Lookup("allowlist"); flag != nil && flag.Changed {
			if enabled, err := flags.GetBool("allowlist"); err == nil && enabled {
				conf.Access.Mode = "allowlist"
			}
		}

		if flag := flags.Lookup("no-landing-page"); flag != nil && flag.Changed {
			if disabled, err := flags.GetBool("no-landing-page"); err == nil && disabled {
				conf.LandingPage.Enabled = false
			}
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

//A ConfigRef is a live-reloadable handle on the current config snapshot.
// There is a single writer, the reload listener, readers load through the
// same reference so in-flight requests keep their snapshot while new requests
// see the replacement
type ConfigRef struct {
	pointer atomic.Pointer[Config]
}

//NewConfigRef creates a reference holding the given snapshot
func NewConfigRef(conf *Config) *ConfigRef {
	ref := &ConfigRef{}
	ref.pointer.Store(conf)
	return ref
}

//Load returns the current snapshot
func (ref *ConfigRef) Load() *Config {
	return ref.pointer.Load()
}

//Store atomically replaces the snapshot
func (ref *ConfigRef) Store(conf *Config) {
	ref.pointer.Store(conf)
}
