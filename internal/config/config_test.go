package config

import "testing"

func TestParseSenderMode(t *testing.T) {
	cfg, _, err := Parse([]string{
		"-p", "9000", "-s", "example.com", "-a", "9001", "-f", "input.bin", "-m", "1500", "-c", "8",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mode != ModeSender {
		t.Errorf("Mode = %v, want ModeSender", cfg.Mode)
	}
	if cfg.RemoteHost != "example.com" || cfg.RemotePort != 9001 {
		t.Errorf("remote = %s:%d, want example.com:9001", cfg.RemoteHost, cfg.RemotePort)
	}
}

func TestParseReceiverMode(t *testing.T) {
	cfg, _, err := Parse([]string{"-p", "9000", "-m", "1500", "-c", "8", "-f", "out.bin"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mode != ModeReceiver {
		t.Errorf("Mode = %v, want ModeReceiver", cfg.Mode)
	}
}

func TestParseMissingRequiredFlags(t *testing.T) {
	_, _, err := Parse([]string{"-p", "9000"})
	if err == nil {
		t.Fatal("expected error for missing -m/-c/-f")
	}
}

func TestParseSenderModeRequiresRemotePort(t *testing.T) {
	_, _, err := Parse([]string{"-p", "9000", "-s", "example.com", "-f", "input.bin", "-m", "1500", "-c", "8"})
	if err == nil {
		t.Fatal("expected error for sender mode missing -a")
	}
}
