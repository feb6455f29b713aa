package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	JWT       JWTConfig
	Heartbeat HeartbeatConfig
	Control   ControlConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
}

var (
	ConfigInstance *Config
	once           sync.Once
)

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type JWTConfig struct {
	Secret string
}

type HeartbeatConfig struct {
	// PongWait is the dead-peer window; silence beyond it tears the connection down
	PongWait     time.Duration
	WriteWait    time.Duration
	AuthTimeout  time.Duration
	MaxFrameSize int64
}

type ControlConfig struct {
	// Token shared with the REST layer for the internal emit endpoint
	Token string
}

type RedisConfig struct {
	// Addr empty disables presence tracking
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	// Brokers empty disables the Kafka ingress
	Brokers []string
	Topic   string
	GroupID string
}

func LoadConfig() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("RELAY_HOST", "")
		viper.SetDefault("RELAY_PORT", "8081")
		viper.SetDefault("RELAY_READ_TIMEOUT", 30*time.Second)
		viper.SetDefault("RELAY_WRITE_TIMEOUT", 30*time.Second)
		viper.SetDefault("RELAY_IDLE_TIMEOUT", 120*time.Second)
		viper.SetDefault("RELAY_JWT_SECRET", "secret")
		viper.SetDefault("RELAY_PONG_WAIT", 60*time.Second)
		viper.SetDefault("RELAY_WRITE_WAIT", 10*time.Second)
		viper.SetDefault("RELAY_AUTH_TIMEOUT", 15*time.Second)
		viper.SetDefault("RELAY_MAX_FRAME_SIZE", 4096)
		viper.SetDefault("RELAY_CONTROL_TOKEN", "")
		viper.SetDefault("REDIS_ADDR", "")
		viper.SetDefault("REDIS_PASSWORD", "")
		viper.SetDefault("REDIS_DB", 0)
		viper.SetDefault("KAFKA_BROKERS", []string{})
		viper.SetDefault("KAFKA_TOPIC", "relay-events")
		viper.SetDefault("KAFKA_GROUP_ID", "relay")
		viper.SetDefault("ALLOWED_ORIGINS", []string{})
		viper.AutomaticEnv()

		ConfigInstance = &Config{
			Server: ServerConfig{
				Host:           viper.GetString("RELAY_HOST"),
				Port:           viper.GetString("RELAY_PORT"),
				ReadTimeout:    viper.GetDuration("RELAY_READ_TIMEOUT"),
				WriteTimeout:   viper.GetDuration("RELAY_WRITE_TIMEOUT"),
				IdleTimeout:    viper.GetDuration("RELAY_IDLE_TIMEOUT"),
				AllowedOrigins: viper.GetStringSlice("ALLOWED_ORIGINS"),
			},
			JWT: JWTConfig{
				Secret: viper.GetString("RELAY_JWT_SECRET"),
			},
			Heartbeat: HeartbeatConfig{
				PongWait:     viper.GetDuration("RELAY_PONG_WAIT"),
				WriteWait:    viper.GetDuration("RELAY_WRITE_WAIT"),
				AuthTimeout:  viper.GetDuration("RELAY_AUTH_TIMEOUT"),
				MaxFrameSize: viper.GetInt64("RELAY_MAX_FRAME_SIZE"),
			},
			Control: ControlConfig{
				Token: viper.GetString("RELAY_CONTROL_TOKEN"),
			},
			Redis: RedisConfig{
				Addr:     viper.GetString("REDIS_ADDR"),
				Password: viper.GetString("REDIS_PASSWORD"),
				DB:       viper.GetInt("REDIS_DB"),
			},
			Kafka: KafkaConfig{
				Brokers: viper.GetStringSlice("KAFKA_BROKERS"),
				Topic:   viper.GetString("KAFKA_TOPIC"),
				GroupID: viper.GetString("KAFKA_GROUP_ID"),
			},
		}
	})

	return ConfigInstance, nil
}
