package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StunPort != 3478 {
		t.Errorf("Expected default STUN port 3478, got %d", cfg.StunPort)
	}
	if cfg.TurnPort != 3478 {
		t.Errorf("Expected default TURN port 3478, got %d", cfg.TurnPort)
	}
	if cfg.WSPort != 8080 {
		t.Errorf("Expected default WS port 8080, got %d", cfg.WSPort)
	}
	if cfg.CredentialTTL != 24*time.Hour {
		t.Errorf("Expected default credential TTL 24h, got %v", cfg.CredentialTTL)
	}
	if cfg.SIP != nil {
		t.Error("SIP should be disabled by default")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("WS_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid WS_PORT")
	}

	t.Setenv("WS_PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for out-of-range WS_PORT")
	}
}

func TestLoadInvalidTTL(t *testing.T) {
	t.Setenv("TURN_CREDENTIAL_TTL", "-5")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for negative TURN_CREDENTIAL_TTL")
	}
}

func TestLoadSIPEnabled(t *testing.T) {
	t.Setenv("SIP_ENABLED", "true")
	t.Setenv("SIP_DOMAIN", "sip.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SIP == nil {
		t.Fatal("Expected SIP config when SIP_ENABLED=true")
	}
	if cfg.SIP.Port != 5060 {
		t.Errorf("Expected default SIP port 5060, got %d", cfg.SIP.Port)
	}
	if cfg.SIP.Domain != "sip.example.com" {
		t.Errorf("Expected SIP domain sip.example.com, got %s", cfg.SIP.Domain)
	}
}
