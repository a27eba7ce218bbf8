// Package config loads process configuration from the environment, consulting
// an optional .env file first.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting named in the specification's
// external-interfaces section.
type Config struct {
	SessionRoot string `env:"SESSION_ROOT,default=/var/lib/segserve/sessions"`
	ModelRoot   string `env:"MODEL_ROOT,default=/var/lib/segserve/models"`

	SharedHost string `env:"SHARED_HOST,default=127.0.0.1"`
	SharedPort int    `env:"SHARED_PORT,default=6379"`

	HMACSecret string `env:"HMAC_SECRET,required"`

	GPUCount   int    `env:"GPU_COUNT,default=1"`
	GPUBackend string `env:"GPU_BACKEND,default=nvidia-smi"` // "nvidia-smi" or "hostmem"

	JobTimeoutSeconds int `env:"JOB_TIMEOUT_SECONDS,default=0"`

	SimMaxWorkers     int `env:"SIM_MAX_WORKERS,default=2"`
	SimTimeoutSeconds int `env:"SIM_TIMEOUT_SECONDS,default=1800"`
	SimLaunchQPS      int `env:"SIM_LAUNCH_QPS,default=2"`

	ResamplerPath    string `env:"RESAMPLER_PATH,default=mri_convert"`
	ROASTPath        string `env:"ROAST_PATH,default=run_roast_run.sh"`
	ROASTRuntimePath string `env:"ROAST_RUNTIME_PATH,default=/opt/mcr/v99"`
	SimNIBSPath      string `env:"SIMNIBS_PATH,default=simnibs"`
	ImagingHelper string `env:"IMAGING_HELPER_PATH,default=/opt/segserve/imaging-helper"`
	ModelHelper   string `env:"MODEL_HELPER_PATH,default=/opt/segserve/model-helper"`
	FEMSolverPath string `env:"FEM_SOLVER_PATH,default=simnibs_solve"`

	RetentionWindow time.Duration `env:"RETENTION_WINDOW,default=24h"`
	ReapSchedule    string        `env:"REAP_SCHEDULE,default=@every 30m"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	AuditDSN string `env:"AUDIT_DSN,default="`

	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	AdminAddr string `env:"ADMIN_ADDR,default=:8081"`
}

// Load reads an optional .env file (if present, per the specification) and
// then decodes the process environment into a Config.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if loadErr := godotenv.Load(); loadErr != nil {
			return nil, fmt.Errorf("load .env: %w", loadErr)
		}
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// RedisAddr formats the shared-state host/port as a dial address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.SharedHost, c.SharedPort)
}
