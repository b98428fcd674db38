package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bmwcd/connecteddrive/pkg/poller"
)

// Config drives the bridge daemon. Values come from a YAML file, overridden
// by BMWCD_BRIDGE_* environment variables (dots become underscores, so
// mqtt.broker is BMWCD_BRIDGE_MQTT_BROKER).
type Config struct {
	// ConnectedDrive credentials.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`

	// VINs restricts the bridge to the listed vehicles. Empty publishes
	// every vehicle on the account.
	VINs []string `mapstructure:"vins"`

	// PollInterval is the minimum time between portal refreshes.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	MQTT MQTTConfig `mapstructure:"mqtt"`

	// PostgresDSN enables snapshot archival when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// MetricsListen enables the Prometheus endpoint when set, e.g. ":9100".
	MetricsListen string `mapstructure:"metrics_listen"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// JWTSecret switches broker authentication from the static password to
	// short-lived HS256 tokens minted per connection attempt.
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`
}

// LoadConfig reads filename, or searches for bmwcd-bridge.yaml in the working
// directory and /etc/bmwcd when filename is empty. A missing file is only an
// error when it was named explicitly; the environment alone can carry a full
// configuration.
func LoadConfig(filename string) (*Config, error) {
	v := viper.New()

	// Defaults register every key so environment-only settings survive
	// Unmarshal.
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("host", "")
	v.SetDefault("vins", []string{})
	v.SetDefault("poll_interval", poller.DefaultInterval)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "bmwcd-bridge")
	v.SetDefault("mqtt.topic_prefix", "bmwcd")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.jwt_secret", "")
	v.SetDefault("mqtt.jwt_ttl", time.Hour)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("metrics_listen", "")

	if filename != "" {
		v.SetConfigFile(filename)
	} else {
		v.SetConfigName("bmwcd-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bmwcd")
	}
	v.SetEnvPrefix("BMWCD_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if filename != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Username == "" {
		return nil, errors.New("account username not configured")
	}
	if config.MQTT.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1, or 2, not %d", config.MQTT.QoS)
	}
	return &config, nil
}
