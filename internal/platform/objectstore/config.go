package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	BucketLogs      string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECT_STORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("OBJECT_STORE_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("OBJECT_STORE_ACCESS_KEY", "shipyard"),
		SecretKey:       env.String("OBJECT_STORE_SECRET_KEY", "shipyardminio"),
		Region:          env.String("OBJECT_STORE_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("OBJECT_STORE_BUCKET_ARTIFACTS", "artifacts"),
		BucketLogs:      env.String("OBJECT_STORE_BUCKET_LOGS", "run-logs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.TrimSpace(c.BucketLogs) == "" {
		return errors.New("logs bucket is required")
	}
	if c.BucketArtifacts == c.BucketLogs {
		return errors.New("artifacts and logs buckets must differ")
	}
	return nil
}

func (c Config) buckets() []string {
	return []string{c.BucketArtifacts, c.BucketLogs}
}
