package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Channels  []ChannelConfig `mapstructure:"channels" validate:"dive"`
}

type ServerConfig struct {
	Address         string                `mapstructure:"address" validate:"required"`
	TLS             TLSConfig             `mapstructure:"tls"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"keyFile" validate:"required_if=Enabled true"`
}

// ConnectionLimitConfig caps open connections per remote IP; MaxPerIP 0 disables it.
type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP" validate:"min=0"`
	Mode     string `mapstructure:"mode" validate:"oneof=reject cycle"`
}

const (
	// LimitReject refuses upgrades over the cap with 429.
	LimitReject = "reject"
	// LimitCycle closes the IP's oldest connection to make room.
	LimitCycle = "cycle"
)

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer" validate:"min=1"`
}

type VerifierConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"maxFailures" validate:"min=1"`
	OpenTimeout time.Duration `mapstructure:"openTimeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

type ChannelConfig struct {
	Path string     `mapstructure:"path" validate:"required,startswith=/"`
	Auth AuthConfig `mapstructure:"auth"`
	// UserClaim names the token claim copied into the client's user id after auth.
	UserClaim string `mapstructure:"userClaim"`
	// BindClaims maps path parameters to token claims that must carry the same value.
	BindClaims map[string]string `mapstructure:"bindClaims"`
}

const (
	AuthNone  = "none"
	AuthNull  = "null"
	AuthToken = "token"

	RouterStatic = "static"
	RouterIssuer = "issuer"
)

type AuthConfig struct {
	Type   string        `mapstructure:"type" validate:"omitempty,oneof=none null token"`
	Delay  time.Duration `mapstructure:"delay" validate:"min=0"`
	Router RouterConfig  `mapstructure:"router"`
}

type RouterConfig struct {
	Type   string            `mapstructure:"type" validate:"omitempty,oneof=static issuer"`
	URL    string            `mapstructure:"url"`
	Path   string            `mapstructure:"path"`
	Params map[string]string `mapstructure:"params"`
}
