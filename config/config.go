package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config provides the system configuration.
type Config struct {
	Debug bool `envconfig:"DEBUG"`
	Trace bool `envconfig:"TRACE"`

	Server struct {
		Bind     string `envconfig:"HTTP_BIND" default:":8080"`
		CertFile string `envconfig:"SERVER_CERT_FILE"` // Certificate PEM file, enables TLS when set
		KeyFile  string `envconfig:"SERVER_KEY_FILE"`  // Key PEM file
		CAFile   string `envconfig:"SERVER_CA_FILE"`   // CA certificate file
	}

	RunPod struct {
		APIKey             string  `envconfig:"RUNPOD_API_KEY"`
		BaseURL            string  `envconfig:"RUNPOD_API_BASE" default:"https://api.runpod.ai/v2"`
		SovitsEndpoint     string  `envconfig:"RUNPOD_SOVITS_ENDPOINT"`
		Wav2LipEndpoint    string  `envconfig:"RUNPOD_WAV2LIP_ENDPOINT"`
		FaceFusionEndpoint string  `envconfig:"RUNPOD_FACEFUSION_ENDPOINT"`
		PollInterval       float64 `envconfig:"RUNPOD_POLL_INTERVAL" default:"5"`
		JobTimeout         float64 `envconfig:"RUNPOD_JOB_TIMEOUT" default:"1800"`
		RequestTimeout     float64 `envconfig:"RUNPOD_REQUEST_TIMEOUT" default:"120"`
	}

	Store struct {
		RedisURL      string `envconfig:"JOBSTORE_REDIS_URL" default:"redis://127.0.0.1:6379/0"`
		RedisCertReqs string `envconfig:"JOBSTORE_REDIS_SSL_CERT_REQS"` // disable|require|<passthrough>
		Prefix        string `envconfig:"JOBSTORE_PREFIX" default:"ff:task"`
		TTL           int    `envconfig:"JOBSTORE_TTL" default:"604800"` // seconds
		PersistDir    string `envconfig:"JOBSTORE_PERSIST_DIR" default:"/opt/app/task_store"`
		PersistTTL    int    `envconfig:"JOBSTORE_PERSIST_TTL" default:"604800"` // seconds, clamped >= TTL
	}
}

// Load loads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.Store.PersistTTL < cfg.Store.TTL {
		cfg.Store.PersistTTL = cfg.Store.TTL
	}
	if cfg.RunPod.PollInterval < 1 {
		cfg.RunPod.PollInterval = 1
	}
	return cfg, nil
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.RunPod.PollInterval * float64(time.Second))
}

// JobTimeout returns the per-job timeout as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.RunPod.JobTimeout * float64(time.Second))
}

// RequestTimeout returns the per-HTTP-call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RunPod.RequestTimeout * float64(time.Second))
}
