package config

import "testing"

func TestParseAppliesDefaultsForOmittedFields(t *testing.T) {
	cfg, err := Parse([]byte(`server:
  port: 2000
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 2000 {
		t.Fatalf("Server.Port = %d, want 2000", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("Server.Host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Tunnel.IdleTimeoutSeconds != 60 {
		t.Fatalf("Tunnel.IdleTimeoutSeconds = %d, want default 60", cfg.Tunnel.IdleTimeoutSeconds)
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for out-of-range port")
	}
}

func TestValidateRejectsOversizedFramePayload(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.MaxFramePayload = MaxFramePayloadHardCap + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for oversized max_frame_payload")
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.Client.Transport = "quic"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unsupported transport")
	}
}

func TestValidateRequiresPassphraseWhenEncryptionEnabled(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.Encryption.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing passphrase")
	}
	cfg.Tunnel.Encryption.Passphrase = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRedactedMasksPassphrase(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.Encryption.Passphrase = "hunter2"

	redacted := cfg.Redacted()
	if redacted.Tunnel.Encryption.Passphrase == "hunter2" {
		t.Fatalf("Redacted() did not mask the passphrase")
	}
	if cfg.Tunnel.Encryption.Passphrase != "hunter2" {
		t.Fatalf("Redacted() mutated the original config")
	}
}
