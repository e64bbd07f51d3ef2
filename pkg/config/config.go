package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full server configuration, loaded from the process
// environment at startup and never rewritten afterwards.
type Config struct {
	StunServer string
	StunPort   int
	TurnServer string
	TurnPort   int

	// TurnUsername is read from TURN_USERNAME; issued credentials do not
	// use it (their username is "<expiry>:<requester id>").
	TurnUsername string
	// TurnPassword is the shared secret for HMAC credential derivation.
	TurnPassword string

	// CredentialTTL bounds the lifetime of issued TURN credentials.
	CredentialTTL time.Duration

	WSPort int

	// RecordingPath is parsed for compatibility with existing deployments
	// but recording itself is not performed.
	RecordingPath string

	SIP *SIPConfig
}

// SIPConfig holds the optional SIP endpoint configuration.
// Nil when SIP_ENABLED is unset or false.
type SIPConfig struct {
	BindAddress string
	Port        int
	Domain      string
	Realm       string
}

const (
	defaultStunPort      = 3478
	defaultTurnPort      = 3478
	defaultWSPort        = 8080
	defaultSIPPort       = 5060
	defaultCredentialTTL = 24 * time.Hour
)

// Load reads the configuration from the environment. Invalid values are
// returned as errors so the process can fail before binding anything.
func Load() (*Config, error) {
	cfg := &Config{
		StunServer:    getEnv("STUN_SERVER", "0.0.0.0"),
		TurnServer:    getEnv("TURN_SERVER", "0.0.0.0"),
		TurnUsername:  getEnv("TURN_USERNAME", "webrtc"),
		TurnPassword:  getEnv("TURN_PASSWORD", "webrtc"),
		RecordingPath: os.Getenv("RECORDING_PATH"),
		CredentialTTL: defaultCredentialTTL,
	}

	var err error
	if cfg.StunPort, err = getEnvPort("STUN_PORT", defaultStunPort); err != nil {
		return nil, err
	}
	if cfg.TurnPort, err = getEnvPort("TURN_PORT", defaultTurnPort); err != nil {
		return nil, err
	}
	if cfg.WSPort, err = getEnvPort("WS_PORT", defaultWSPort); err != nil {
		return nil, err
	}

	if ttl := os.Getenv("TURN_CREDENTIAL_TTL"); ttl != "" {
		secs, err := strconv.Atoi(ttl)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid TURN_CREDENTIAL_TTL %q", ttl)
		}
		cfg.CredentialTTL = time.Duration(secs) * time.Second
	}

	if cfg.TurnPassword == "" {
		return nil, fmt.Errorf("TURN_PASSWORD must not be empty")
	}

	if enabled, _ := strconv.ParseBool(os.Getenv("SIP_ENABLED")); enabled {
		sip := &SIPConfig{
			BindAddress: getEnv("SIP_BIND_ADDRESS", "0.0.0.0"),
			Domain:      getEnv("SIP_DOMAIN", "localhost"),
			Realm:       getEnv("SIP_REALM", "confmesh"),
		}
		if sip.Port, err = getEnvPort("SIP_PORT", defaultSIPPort); err != nil {
			return nil, err
		}
		cfg.SIP = sip
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvPort(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return port, nil
}
