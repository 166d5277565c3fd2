package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.CountPerQueue != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.Worker.CountPerQueue)
	}
	if cfg.Reclaimer.Interval.Seconds() != 3 {
		t.Fatalf("expected default reclaimer interval 3s, got %v", cfg.Reclaimer.Interval)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.CountPerQueue = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for worker.count_per_queue=0")
	}
}

func TestValidateCheckinMustBeBelowLease(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.CheckinEvery = cfg.Worker.LeaseTTL
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error when checkin_every >= lease_ttl")
	}
}
