package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr   string `mapstructure:"LISTEN_ADDR"`
	DatabasePath string `mapstructure:"DB_PATH"`

	// Filesystem roots
	TemplatesDir      string `mapstructure:"TEMPLATES_DIR"`
	TemplateName      string `mapstructure:"TEMPLATE_NAME"`
	LegacyTemplateDir string `mapstructure:"LEGACY_TEMPLATE_DIR"`
	ConfigRoot        string `mapstructure:"CONFIG_ROOT"`
	SitesRoot         string `mapstructure:"SITES_ROOT"`

	// Template layout
	TemplateConfigPath string `mapstructure:"TEMPLATE_CONFIG_PATH"`
	TemplateAssetsPath string `mapstructure:"TEMPLATE_ASSETS_PATH"`
	EntryDocument      string `mapstructure:"ENTRY_DOCUMENT"`

	// Build
	BuildOutputDir     string        `mapstructure:"BUILD_OUTPUT_DIR"`
	BuildEntryFile     string        `mapstructure:"BUILD_ENTRY_FILE"`
	InstallCommand     string        `mapstructure:"INSTALL_COMMAND"`
	BuildCommand       string        `mapstructure:"BUILD_COMMAND"`
	InstallTimeout     time.Duration `mapstructure:"INSTALL_TIMEOUT"`
	BuildTimeout       time.Duration `mapstructure:"BUILD_TIMEOUT"`
	InstallOutputLimit int           `mapstructure:"INSTALL_OUTPUT_LIMIT"`
	BuildOutputLimit   int           `mapstructure:"BUILD_OUTPUT_LIMIT"`

	// Assets
	UploadRoot    string        `mapstructure:"UPLOAD_ROOT"`
	AssetTimeout  time.Duration `mapstructure:"ASSET_TIMEOUT"`
	AssetMaxBytes int64         `mapstructure:"ASSET_MAX_BYTES"`

	// Deployment
	BaseDomain     string        `mapstructure:"BASE_DOMAIN"`
	PublicHost     string        `mapstructure:"PUBLIC_HOST"`
	PortRangeStart int           `mapstructure:"PORT_RANGE_START"`
	PortRangeEnd   int           `mapstructure:"PORT_RANGE_END"`
	RuntimeImage   string        `mapstructure:"RUNTIME_IMAGE"`
	RuntimeBindIP  string        `mapstructure:"RUNTIME_BIND_IP"`
	ReadyTimeout   time.Duration `mapstructure:"READY_TIMEOUT"`

	// Reverse proxy and certificates
	NginxConfDir  string `mapstructure:"NGINX_CONF_DIR"`
	NginxBinary   string `mapstructure:"NGINX_BINARY"`
	CertEmail     string `mapstructure:"CERT_EMAIL"`
	CertbotBinary string `mapstructure:"CERTBOT_BINARY"`
	CertWebroot   string `mapstructure:"CERT_WEBROOT"`
	CertDir       string `mapstructure:"CERT_DIR"`
	SSLEnabled    bool   `mapstructure:"SSL_ENABLED"`

	// Domain lifecycle
	VerificationTTL    time.Duration `mapstructure:"VERIFICATION_TTL"`
	VerificationPrefix string        `mapstructure:"VERIFICATION_PREFIX"`
	DNSExpectedIP      string        `mapstructure:"DNS_EXPECTED_IP"`
	SSLRenewalWindow   time.Duration `mapstructure:"SSL_RENEWAL_WINDOW"`
	SSLLifetime        time.Duration `mapstructure:"SSL_LIFETIME"`

	// Concurrency
	Workers     int           `mapstructure:"WORKERS"`
	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	RedisAddr   string        `mapstructure:"REDIS_ADDR"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`

	FirewallEnabled   bool   `mapstructure:"FIREWALL_ENABLED"`
	FirewallAllowCIDR string `mapstructure:"FIREWALL_ALLOW_CIDR"`

	VerifySchedule string `mapstructure:"VERIFY_SCHEDULE"`
	SSLSchedule    string `mapstructure:"SSL_SCHEDULE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFile   string `mapstructure:"LOG_FILE"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("DB_PATH", "sitesmith.db")

	v.SetDefault("TEMPLATES_DIR", "templates")
	v.SetDefault("TEMPLATE_NAME", "default")
	v.SetDefault("LEGACY_TEMPLATE_DIR", "")
	v.SetDefault("CONFIG_ROOT", "data/configs")
	v.SetDefault("SITES_ROOT", "data/sites")

	v.SetDefault("TEMPLATE_CONFIG_PATH", "src/config/site.json")
	v.SetDefault("TEMPLATE_ASSETS_PATH", "public/assets")
	v.SetDefault("ENTRY_DOCUMENT", "index.html")

	v.SetDefault("BUILD_OUTPUT_DIR", "dist")
	v.SetDefault("BUILD_ENTRY_FILE", "index.html")
	v.SetDefault("INSTALL_COMMAND", "npm ci --no-audit --no-fund")
	v.SetDefault("BUILD_COMMAND", "npm run build")
	v.SetDefault("INSTALL_TIMEOUT", 5*time.Minute)
	v.SetDefault("BUILD_TIMEOUT", 10*time.Minute)
	v.SetDefault("INSTALL_OUTPUT_LIMIT", 10<<20)
	v.SetDefault("BUILD_OUTPUT_LIMIT", 20<<20)

	v.SetDefault("UPLOAD_ROOT", "data/uploads")
	v.SetDefault("ASSET_TIMEOUT", 30*time.Second)
	v.SetDefault("ASSET_MAX_BYTES", 20<<20)

	v.SetDefault("BASE_DOMAIN", "basedomain.example")
	v.SetDefault("PUBLIC_HOST", "127.0.0.1")
	v.SetDefault("PORT_RANGE_START", 20000)
	v.SetDefault("PORT_RANGE_END", 29999)
	v.SetDefault("RUNTIME_IMAGE", "nginx:1.27-alpine")
	v.SetDefault("RUNTIME_BIND_IP", "127.0.0.1")
	v.SetDefault("READY_TIMEOUT", 30*time.Second)

	v.SetDefault("NGINX_CONF_DIR", "data/nginx")
	v.SetDefault("NGINX_BINARY", "nginx")
	v.SetDefault("CERT_EMAIL", "")
	v.SetDefault("CERTBOT_BINARY", "certbot")
	v.SetDefault("CERT_WEBROOT", "data/acme")
	v.SetDefault("CERT_DIR", "/etc/letsencrypt/live")
	v.SetDefault("SSL_ENABLED", false)

	v.SetDefault("VERIFICATION_TTL", 72*time.Hour)
	v.SetDefault("VERIFICATION_PREFIX", "_sitesmith-verify")
	v.SetDefault("DNS_EXPECTED_IP", "")
	v.SetDefault("SSL_RENEWAL_WINDOW", 30*24*time.Hour)
	v.SetDefault("SSL_LIFETIME", 90*24*time.Hour)

	v.SetDefault("WORKERS", 2)
	v.SetDefault("LOCK_BACKEND", LockBackendMemory)
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("LOCK_TTL", 30*time.Minute)

	v.SetDefault("FIREWALL_ENABLED", false)
	v.SetDefault("FIREWALL_ALLOW_CIDR", "127.0.0.1/32")

	v.SetDefault("VERIFY_SCHEDULE", "*/5 * * * *")
	v.SetDefault("SSL_SCHEDULE", "0 3 * * *")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_FORMAT", "json")
}

// LoadConfig reads SITESMITH_* environment variables, falling back to an
// optional .env file and then to defaults.
func LoadConfig() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SITESMITH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// Ignore err if .env doesn't exist
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch c.LockBackend {
	case LockBackendMemory, LockBackendRedis:
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	if c.BaseDomain == "" {
		return fmt.Errorf("base domain must be set")
	}
	return nil
}
