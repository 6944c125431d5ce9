package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host            string
		Address         string
		DebugHost       string
		ShutdownTimeout time.Duration
		SecretKey       string
		WebhookSecret   string
		DisableReqLogs  bool
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		InMemory      bool
	}

	// PointsBand is the configured points range of one severity.
	PointsBand struct {
		Min     int
		Max     int
		Default int
	}

	ClearanceConfig struct {
		GracePeriod      time.Duration
		UrgentWindow     time.Duration
		Points           map[string]PointsBand // {severity: band}
		AdminRecipientID string
		AdminChannel     string
		AdminAddress     string
	}

	ChannelLimits struct {
		RatePerSecond float64
		Burst         int
	}

	DispatchConfig struct {
		Workers         int
		MaxAttempts     int
		BaseDelay       time.Duration
		MaxDelay        time.Duration
		ProviderTimeout time.Duration
		PollInterval    time.Duration
		BatchSize       int
		LeaseDuration   time.Duration
		BreakerFailures uint32
		BreakerTimeout  time.Duration
		Limits          map[string]ChannelLimits // {channel: limits}
	}

	SweeperConfig struct {
		Interval time.Duration
		Timeout  time.Duration
	}

	EmailConfig struct {
		DefaultFromEmail mail.Address
		SendgridAPIKey   string
	}

	EndpointConfig struct {
		BaseURL string
		APIKey  string
	}

	Config struct {
		Env          string
		Build        string
		Debug        bool
		TestMode     bool
		AppName      string
		RollbarToken string
		WorkDir      string

		Server     ServerConfig
		Database   DatabaseConfig
		Clearance  ClearanceConfig
		Dispatch   DispatchConfig
		Sweeper    SweeperConfig
		Email      EmailConfig
		Gateways   map[string]EndpointConfig // {channel: endpoint}
		Directory  EndpointConfig
		Attendance EndpointConfig
	}
)

func (conf DatabaseConfig) Address() string {
	return net.JoinHostPort(conf.Host, conf.Port)
}

// NewConfig reads the configuration from the environment (and config/.env.<env> if it exists).
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:          env,
		Build:        v.GetString("build"),
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		RollbarToken: v.GetString("rollbarToken"),
		WorkDir:      wd,
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Address:         v.GetString("server.address"),
			DebugHost:       v.GetString("server.debugHost"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
			SecretKey:       v.GetString("server.secretKey"),
			WebhookSecret:   v.GetString("server.webhookSecret"),
			DisableReqLogs:  v.GetBool("server.disableReqLogs"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			InMemory:      v.GetBool("database.inMemory"),
		},
		Clearance: ClearanceConfig{
			GracePeriod:      v.GetDuration("clearance.gracePeriod"),
			UrgentWindow:     v.GetDuration("clearance.urgentWindow"),
			Points:           make(map[string]PointsBand, len(severities)),
			AdminRecipientID: v.GetString("clearance.adminRecipientID"),
			AdminChannel:     v.GetString("clearance.adminChannel"),
			AdminAddress:     v.GetString("clearance.adminAddress"),
		},
		Dispatch: DispatchConfig{
			Workers:         v.GetInt("dispatch.workers"),
			MaxAttempts:     v.GetInt("dispatch.maxAttempts"),
			BaseDelay:       v.GetDuration("dispatch.baseDelay"),
			MaxDelay:        v.GetDuration("dispatch.maxDelay"),
			ProviderTimeout: v.GetDuration("dispatch.providerTimeout"),
			PollInterval:    v.GetDuration("dispatch.pollInterval"),
			BatchSize:       v.GetInt("dispatch.batchSize"),
			LeaseDuration:   v.GetDuration("dispatch.leaseDuration"),
			BreakerFailures: v.GetUint32("dispatch.breakerFailures"),
			BreakerTimeout:  v.GetDuration("dispatch.breakerTimeout"),
			Limits:          make(map[string]ChannelLimits, len(channels)),
		},
		Sweeper: SweeperConfig{
			Interval: v.GetDuration("sweeper.interval"),
			Timeout:  v.GetDuration("sweeper.timeout"),
		},
		Email: EmailConfig{
			DefaultFromEmail: mail.Address{
				Name:    v.GetString("email.defaultFromName"),
				Address: v.GetString("email.defaultFromEmail"),
			},
			SendgridAPIKey: v.GetString("email.sendgridAPIKey"),
		},
		Gateways: make(map[string]EndpointConfig, len(channels)),
		Directory: EndpointConfig{
			BaseURL: v.GetString("directory.baseURL"),
			APIKey:  v.GetString("directory.apiKey"),
		},
		Attendance: EndpointConfig{
			BaseURL: v.GetString("attendance.baseURL"),
			APIKey:  v.GetString("attendance.apiKey"),
		},
	}

	for _, sev := range severities {
		prefix := "clearance.points." + sev
		conf.Clearance.Points[sev] = PointsBand{
			Min:     v.GetInt(prefix + ".min"),
			Max:     v.GetInt(prefix + ".max"),
			Default: v.GetInt(prefix + ".default"),
		}
	}
	for _, ch := range channels {
		conf.Dispatch.Limits[ch] = ChannelLimits{
			RatePerSecond: v.GetFloat64("dispatch.limits." + ch + ".rate"),
			Burst:         v.GetInt("dispatch.limits." + ch + ".burst"),
		}
		if ch == "email" {
			continue
		}
		conf.Gateways[ch] = EndpointConfig{
			BaseURL: v.GetString("gateways." + ch + ".baseURL"),
			APIKey:  v.GetString("gateways." + ch + ".apiKey"),
		}
	}

	if err := conf.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	return conf
}

var (
	severities = []string{"low", "medium", "high"}
	channels   = []string{"email", "sms", "app", "call"}
)

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)

	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Masomo Clearance")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("server.webhookSecret", "whsec-local-dev")

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "clearance")
	v.SetDefault("database.user", "clearance")
	v.SetDefault("database.password", "clearance")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.inMemory", false)

	v.SetDefault("clearance.gracePeriod", 72*time.Hour)
	v.SetDefault("clearance.urgentWindow", 24*time.Hour)
	v.SetDefault("clearance.points.low.min", 1)
	v.SetDefault("clearance.points.low.max", 3)
	v.SetDefault("clearance.points.low.default", 2)
	v.SetDefault("clearance.points.medium.min", 4)
	v.SetDefault("clearance.points.medium.max", 7)
	v.SetDefault("clearance.points.medium.default", 5)
	v.SetDefault("clearance.points.high.min", 8)
	v.SetDefault("clearance.points.high.max", 15)
	v.SetDefault("clearance.points.high.default", 10)
	v.SetDefault("clearance.adminRecipientID", "")
	v.SetDefault("clearance.adminChannel", "email")
	v.SetDefault("clearance.adminAddress", "")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.maxAttempts", 3)
	v.SetDefault("dispatch.baseDelay", 30*time.Second)
	v.SetDefault("dispatch.maxDelay", 30*time.Minute)
	v.SetDefault("dispatch.providerTimeout", 10*time.Second)
	v.SetDefault("dispatch.pollInterval", 2*time.Second)
	v.SetDefault("dispatch.batchSize", 20)
	v.SetDefault("dispatch.leaseDuration", time.Minute)
	v.SetDefault("dispatch.breakerFailures", uint32(5))
	v.SetDefault("dispatch.breakerTimeout", 30*time.Second)
	for _, ch := range channels {
		v.SetDefault("dispatch.limits."+ch+".rate", 10.0)
		v.SetDefault("dispatch.limits."+ch+".burst", 20)
		if ch != "email" {
			v.SetDefault("gateways."+ch+".baseURL", "")
			v.SetDefault("gateways."+ch+".apiKey", "")
		}
	}

	v.SetDefault("sweeper.interval", 5*time.Minute)
	v.SetDefault("sweeper.timeout", time.Minute)

	v.SetDefault("email.defaultFromName", "Masomo")
	v.SetDefault("email.defaultFromEmail", "noreply@localhost")
	v.SetDefault("email.sendgridAPIKey", "")

	v.SetDefault("directory.baseURL", "")
	v.SetDefault("directory.apiKey", "")
	v.SetDefault("attendance.baseURL", "")
	v.SetDefault("attendance.apiKey", "")
}

// Validate checks the invariants the engine relies on.
func (conf *Config) Validate() error {
	for sev, band := range conf.Clearance.Points {
		if band.Min < 0 || band.Min > band.Default || band.Default > band.Max {
			return fmt.Errorf("clearance.points.%s: want 0 <= min <= default <= max, got %d/%d/%d",
				sev, band.Min, band.Default, band.Max)
		}
	}
	if conf.Clearance.GracePeriod <= 0 {
		return fmt.Errorf("clearance.gracePeriod must be positive")
	}
	if conf.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.maxAttempts must be >= 1")
	}
	if conf.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1")
	}
	if conf.Dispatch.BaseDelay <= 0 || conf.Dispatch.MaxDelay < conf.Dispatch.BaseDelay {
		return fmt.Errorf("dispatch: want 0 < baseDelay <= maxDelay")
	}
	return nil
}
