package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("PSEUDONYMIZER_URL", "http://pseudonymizer:8080")
	defer os.Unsetenv("PSEUDONYMIZER_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if !cfg.PseudonymizationEnabled {
		t.Error("expected pseudonymization to be enabled by default")
	}
	if cfg.PatientDomain != "PATIENT" {
		t.Errorf("expected default patient domain PATIENT, got %s", cfg.PatientDomain)
	}
	if cfg.LoincSystem != "http://loinc.org" {
		t.Errorf("expected default LOINC system, got %s", cfg.LoincSystem)
	}
	if cfg.RetryInitialInterval != 5*time.Second {
		t.Errorf("expected default retry interval 5s, got %s", cfg.RetryInitialInterval)
	}
	if cfg.RetryMultiplier != 1.25 {
		t.Errorf("expected default retry multiplier 1.25, got %f", cfg.RetryMultiplier)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("expected default max conns 20, got %d", cfg.DBMaxConns)
	}
}

func TestLoad_SplitsKafkaBrokers(t *testing.T) {
	os.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	defer os.Unsetenv("KAFKA_BROKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Errorf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		PseudonymizationEnabled: true,
		PseudonymizerURL:        "http://pseudonymizer:8080",
		RetryMaxAttempts:        5,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"minimal valid", func(c *Config) {}, false},
		{"missing pseudonymizer", func(c *Config) { c.PseudonymizerURL = "" }, true},
		{"pseudonymization disabled without url", func(c *Config) {
			c.PseudonymizationEnabled = false
			c.PseudonymizerURL = ""
		}, false},
		{"harmonization without service", func(c *Config) { c.HarmonizationEnabled = true }, true},
		{"harmonization with service", func(c *Config) {
			c.HarmonizationEnabled = true
			c.ConversionServiceURL = "http://conversion:8080"
		}, false},
		{"postgres without url", func(c *Config) { c.PostgresEnabled = true }, true},
		{"fhir server without url", func(c *Config) { c.FHIRServerEnabled = true }, true},
		{"kafka without brokers", func(c *Config) {
			c.KafkaEnabled = true
			c.KafkaOutputTopic = "fhir.out"
		}, true},
		{"kafka without output topic", func(c *Config) {
			c.KafkaEnabled = true
			c.KafkaBrokers = []string{"broker:9092"}
		}, true},
		{"kafka derivation still needs fallback topic", func(c *Config) {
			c.KafkaEnabled = true
			c.KafkaBrokers = []string{"broker:9092"}
			c.KafkaTopicMatchExpr = `^fhir\.(.*)$`
			c.KafkaTopicReplace = "fhir.processed.$1"
		}, true},
		{"kafka fully configured", func(c *Config) {
			c.KafkaEnabled = true
			c.KafkaBrokers = []string{"broker:9092"}
			c.KafkaOutputTopic = "fhir.out"
		}, false},
		{"zero retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
