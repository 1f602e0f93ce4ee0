package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Pseudonymization service; disabling it lets bundles through with
	// their original identifiers
	PseudonymizationEnabled bool          `mapstructure:"PSEUDONYMIZATION_ENABLED"`
	PseudonymizerURL        string        `mapstructure:"PSEUDONYMIZER_URL"`
	PseudonymTimeout        time.Duration `mapstructure:"PSEUDONYMIZER_TIMEOUT"`
	PatientDomain           string        `mapstructure:"PSEUDONYM_DOMAIN_PATIENT"`
	CaseDomain              string        `mapstructure:"PSEUDONYM_DOMAIN_CASE"`
	ReportDomain            string        `mapstructure:"PSEUDONYM_DOMAIN_REPORT"`
	PatientIDSystem         string        `mapstructure:"SYSTEM_PATIENT_ID"`
	EncounterIDSystem       string        `mapstructure:"SYSTEM_ENCOUNTER_ID"`
	ReportIDSystem          string        `mapstructure:"SYSTEM_REPORT_ID"`
	InsuranceNumberSystem   string        `mapstructure:"SYSTEM_INSURANCE_NUMBER"`

	// LOINC harmonization
	HarmonizationEnabled     bool   `mapstructure:"HARMONIZATION_ENABLED"`
	HarmonizationFailOnError bool   `mapstructure:"HARMONIZATION_FAIL_ON_ERROR"`
	ConversionServiceURL     string `mapstructure:"CONVERSION_SERVICE_URL"`
	LoincSystem              string `mapstructure:"LOINC_SYSTEM"`

	// Validation
	ValidationEnabled     bool `mapstructure:"VALIDATION_ENABLED"`
	ValidationFailOnError bool `mapstructure:"VALIDATION_FAIL_ON_ERROR"`
	ValidationConcurrency int  `mapstructure:"VALIDATION_CONCURRENCY"`

	// Postgres sink
	PostgresEnabled bool   `mapstructure:"POSTGRES_ENABLED"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`

	// FHIR server sink
	FHIRServerEnabled bool   `mapstructure:"FHIR_SERVER_ENABLED"`
	FHIRServerURL     string `mapstructure:"FHIR_SERVER_URL"`

	// Kafka
	KafkaEnabled        bool     `mapstructure:"KAFKA_ENABLED"`
	KafkaBrokers        []string `mapstructure:"KAFKA_BROKERS"`
	KafkaInputTopic     string   `mapstructure:"KAFKA_INPUT_TOPIC"`
	KafkaGroupID        string   `mapstructure:"KAFKA_GROUP_ID"`
	KafkaOutputTopic    string   `mapstructure:"KAFKA_OUTPUT_TOPIC"`
	KafkaTopicMatchExpr string   `mapstructure:"KAFKA_OUTPUT_TOPIC_MATCH_EXPRESSION"`
	KafkaTopicReplace   string   `mapstructure:"KAFKA_OUTPUT_TOPIC_REPLACE_WITH"`
	KafkaHMACKey        string   `mapstructure:"KAFKA_HASH_KEY_SECRET"`

	// Retry behavior for downstream dependencies
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`
	RetryMultiplier      float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryMaxAttempts     int           `mapstructure:"RETRY_MAX_ATTEMPTS"`

	// Ingress authentication; empty secret disables it
	AuthSecret   string `mapstructure:"AUTH_SECRET"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("PSEUDONYMIZATION_ENABLED", true)
	v.SetDefault("PSEUDONYMIZER_TIMEOUT", "10s")
	v.SetDefault("PSEUDONYM_DOMAIN_PATIENT", "PATIENT")
	v.SetDefault("PSEUDONYM_DOMAIN_CASE", "CASE")
	v.SetDefault("PSEUDONYM_DOMAIN_REPORT", "REPORT")
	v.SetDefault("SYSTEM_PATIENT_ID", "https://fhir.curanet.org/identifiers/patient-id")
	v.SetDefault("SYSTEM_ENCOUNTER_ID", "https://fhir.curanet.org/identifiers/encounter-id")
	v.SetDefault("SYSTEM_REPORT_ID", "https://fhir.curanet.org/identifiers/report-id")
	v.SetDefault("SYSTEM_INSURANCE_NUMBER", "http://fhir.de/sid/gkv/kvid-10")
	v.SetDefault("LOINC_SYSTEM", "http://loinc.org")
	v.SetDefault("VALIDATION_CONCURRENCY", 4)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_GROUP_ID", "fhir-gateway")
	v.SetDefault("RETRY_INITIAL_INTERVAL", "5s")
	v.SetDefault("RETRY_MAX_INTERVAL", "5m")
	v.SetDefault("RETRY_MULTIPLIER", 1.25)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV",
		"PSEUDONYMIZATION_ENABLED", "PSEUDONYMIZER_URL", "PSEUDONYMIZER_TIMEOUT",
		"PSEUDONYM_DOMAIN_PATIENT", "PSEUDONYM_DOMAIN_CASE", "PSEUDONYM_DOMAIN_REPORT",
		"SYSTEM_PATIENT_ID", "SYSTEM_ENCOUNTER_ID", "SYSTEM_REPORT_ID", "SYSTEM_INSURANCE_NUMBER",
		"HARMONIZATION_ENABLED", "HARMONIZATION_FAIL_ON_ERROR", "CONVERSION_SERVICE_URL", "LOINC_SYSTEM",
		"VALIDATION_ENABLED", "VALIDATION_FAIL_ON_ERROR", "VALIDATION_CONCURRENCY",
		"POSTGRES_ENABLED", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"FHIR_SERVER_ENABLED", "FHIR_SERVER_URL",
		"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_INPUT_TOPIC", "KAFKA_GROUP_ID",
		"KAFKA_OUTPUT_TOPIC", "KAFKA_OUTPUT_TOPIC_MATCH_EXPRESSION", "KAFKA_OUTPUT_TOPIC_REPLACE_WITH",
		"KAFKA_HASH_KEY_SECRET",
		"RETRY_INITIAL_INTERVAL", "RETRY_MAX_INTERVAL", "RETRY_MULTIPLIER", "RETRY_MAX_ATTEMPTS",
		"AUTH_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.KafkaBrokers == nil {
		if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that every enabled component has the endpoints it needs.
// Failing at startup beats failing on the first bundle.
func (c *Config) Validate() error {
	if c.PseudonymizationEnabled && c.PseudonymizerURL == "" {
		return fmt.Errorf("PSEUDONYMIZER_URL is required when PSEUDONYMIZATION_ENABLED is true")
	}
	if c.HarmonizationEnabled && c.ConversionServiceURL == "" {
		return fmt.Errorf("CONVERSION_SERVICE_URL is required when HARMONIZATION_ENABLED is true")
	}
	if c.PostgresEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when POSTGRES_ENABLED is true")
	}
	if c.FHIRServerEnabled && c.FHIRServerURL == "" {
		return fmt.Errorf("FHIR_SERVER_URL is required when FHIR_SERVER_ENABLED is true")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		// The output topic is also the fallback when the match expression
		// does not resolve an inbound topic, so it is always required.
		if c.KafkaOutputTopic == "" {
			return fmt.Errorf("KAFKA_OUTPUT_TOPIC is required when KAFKA_ENABLED is true")
		}
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
