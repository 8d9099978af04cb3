package app

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the application section (`app`) of the process configuration.
// Apps decode it themselves, typically with mapstructure.
type Config map[string]interface{}

// BaseConfig is the process configuration read by Run. Every key can be set
// from the environment using its upper-cased name.
type BaseConfig struct {
	LogLevel string `mapstructure:"log_level"`

	AppName string `mapstructure:"app_name"`

	// InstanceID names this process in correlation paths. Defaults to the
	// hostname.
	InstanceID string `mapstructure:"instance_id"`

	ServerConfig  `mapstructure:",squash"`
	RuntimeConfig `mapstructure:",squash"`

	NewRelicLicenseKey string `mapstructure:"new_relic_license_key"`

	AppConfig Config `mapstructure:"app"`
}

// ServerConfig configures the gRPC and debug listeners.
type ServerConfig struct {
	ListenAddress         string `mapstructure:"listen_address"`
	InsecureListenAddress string `mapstructure:"insecure_listen_address"`
	DebugListenAddress    string `mapstructure:"debug_listen_address"`

	// TLSCertificate and TLSKey are file URLs resolved with LoadFile. The
	// secure listener only runs when both are set.
	TLSCertificate string `mapstructure:"tls_certificate"`
	TLSKey         string `mapstructure:"tls_private_key"`

	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	// EnableMaintenanceMode rejects every call except health checks. The node
	// stays a cluster member.
	EnableMaintenanceMode bool `mapstructure:"enable_maintenance_mode"`

	EnablePprof  bool `mapstructure:"enable_pprof"`
	EnableExpvar bool `mapstructure:"enable_expvar"`
}

// RuntimeConfig tunes the Go runtime and process lifetime.
type RuntimeConfig struct {
	// BallastCapacity is the share of total memory held as GC ballast, capped
	// at maxBallastCapacity.
	EnableBallast   bool    `mapstructure:"enable_ballast"`
	BallastCapacity float32 `mapstructure:"ballast_capacity"`

	// RestartCronSchedule stops the process on schedule so the orchestrator
	// restarts it.
	EnableRestartCron   bool   `mapstructure:"enable_restart_cron"`
	RestartCronSchedule string `mapstructure:"restart_cron_schedule"`
}

const maxBallastCapacity = 0.5

var defaultConfig = BaseConfig{
	LogLevel: "info",

	ServerConfig: ServerConfig{
		ListenAddress:         ":8085",
		InsecureListenAddress: "localhost:8086",
		DebugListenAddress:    ":8123",

		ShutdownGracePeriod: 30 * time.Second,

		EnablePprof:  true,
		EnableExpvar: true,
	},

	RuntimeConfig: RuntimeConfig{
		EnableBallast:   true,
		BallastCapacity: 0.333,

		RestartCronSchedule: "0 5 * * *",
	},
}

var envKeys = []string{
	"log_level",
	"app_name",
	"instance_id",

	"listen_address",
	"insecure_listen_address",
	"debug_listen_address",
	"tls_certificate",
	"tls_private_key",
	"shutdown_grace_period",
	"enable_maintenance_mode",
	"enable_pprof",
	"enable_expvar",

	"enable_ballast",
	"ballast_capacity",
	"enable_restart_cron",
	"restart_cron_schedule",

	"new_relic_license_key",
}

func init() {
	bindEnv()
}

func bindEnv() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key, strings.ToUpper(key))
	}
}

// loadConfig reads the optional config file at path, applies environment
// overrides and fills derived defaults.
func loadConfig(path string) (BaseConfig, error) {
	// viper only reports ConfigFileNotFoundError while searching for a default
	// file, so a missing explicit file is checked here.
	if _, err := os.Stat(path); err == nil {
		viper.SetConfigFile(path)
	} else if !os.IsNotExist(err) {
		return BaseConfig{}, errors.Wrap(err, "failed to check if config exists")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BaseConfig{}, errors.Wrap(err, "failed to load config")
		}
	}

	config := defaultConfig
	if err := viper.Unmarshal(&config); err != nil {
		return BaseConfig{}, errors.Wrap(err, "failed to unmarshal config")
	}

	if config.AppName == "" {
		return BaseConfig{}, errors.New("must specify an application name")
	}
	if config.TLSCertificate != "" && config.TLSKey == "" {
		return BaseConfig{}, errors.New("tls key must be provided if certificate is specified")
	}

	if config.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return BaseConfig{}, errors.Wrap(err, "failed to determine instance id")
		}
		config.InstanceID = hostname
	}

	if config.BallastCapacity > maxBallastCapacity {
		config.BallastCapacity = maxBallastCapacity
	}

	return config, nil
}
