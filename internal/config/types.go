package config

import "time"

// Config represents the complete ansible-api configuration.
//
// Every key can be set in the YAML file and overridden by an environment
// variable named ANSIBLE_API_<SECTION>_<KEY>, e.g. ANSIBLE_API_AUTH_SIGN_KEY.
type Config struct {
	Service  ServiceConfig  `yaml:"service" envPrefix:"SERVICE_"`
	API      APIConfig      `yaml:"api" envPrefix:"API_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Dispatch DispatchConfig `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Dirs     DirsConfig     `yaml:"dirs" envPrefix:"DIRS_"`
	Runner   RunnerConfig   `yaml:"runner" envPrefix:"RUNNER_"`
	Safety   SafetyConfig   `yaml:"safety" envPrefix:"SAFETY_"`
	State    StateConfig    `yaml:"state" envPrefix:"STATE_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`

	// SourcePath is the absolute path of the loaded file, empty when the
	// configuration came from the environment alone.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the loaded file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" env:"NAME"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Listen         string   `yaml:"listen" env:"LISTEN"`
	AllowIP        []string `yaml:"allow_ip" env:"ALLOW_IP"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	MaxBodySize    int64    `yaml:"max_body_size" env:"MAX_BODY_SIZE"`
}

// AuthConfig holds the shared signing secret.
type AuthConfig struct {
	SignKey   string `yaml:"sign_key" env:"SIGN_KEY"`
	Algorithm string `yaml:"algorithm" env:"ALGORITHM"`
}

// DispatchConfig sizes the async and sync worker pools.
type DispatchConfig struct {
	// ThreadPoolSize sizes both pools unless a per-pool size is set.
	ThreadPoolSize int           `yaml:"thread_pool_size" env:"THREAD_POOL_SIZE"`
	AsyncPoolSize  int           `yaml:"async_pool_size" env:"ASYNC_POOL_SIZE"`
	SyncPoolSize   int           `yaml:"sync_pool_size" env:"SYNC_POOL_SIZE"`
	MaxQueue       int           `yaml:"max_queue" env:"MAX_QUEUE"`
	JobTimeout     time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
}

// DirsConfig names the script and playbook roots.
type DirsConfig struct {
	Script   string `yaml:"script" env:"SCRIPT"`
	Playbook string `yaml:"playbook" env:"PLAYBOOK"`
}

// RunnerConfig configures the ansible CLI adapter.
type RunnerConfig struct {
	AnsibleBin  string            `yaml:"ansible_bin" env:"ANSIBLE_BIN"`
	PlaybookBin string            `yaml:"playbook_bin" env:"PLAYBOOK_BIN"`
	Inventory   string            `yaml:"inventory" env:"INVENTORY"`
	ExtraArgs   []string          `yaml:"extra_args" env:"EXTRA_ARGS"`
	Env         map[string]string `yaml:"env" env:"ENV"`
}

// SafetyConfig configures the command filter. A nil list keeps the built-in
// defaults; an explicit empty list disables the check.
type SafetyConfig struct {
	DeniedCommands []string `yaml:"denied_commands" env:"DENIED_COMMANDS"`
	ShellModules   []string `yaml:"shell_modules" env:"SHELL_MODULES"`
}

// StateConfig configures the job history database. An empty path disables
// history.
type StateConfig struct {
	Path      string        `yaml:"path" env:"PATH"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// AsyncSize returns the effective async pool size.
func (d DispatchConfig) AsyncSize() int {
	if d.AsyncPoolSize > 0 {
		return d.AsyncPoolSize
	}
	return d.ThreadPoolSize
}

// SyncSize returns the effective sync pool size.
func (d DispatchConfig) SyncSize() int {
	if d.SyncPoolSize > 0 {
		return d.SyncPoolSize
	}
	return d.ThreadPoolSize
}

// Defaults returns a configuration with default values applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "ansible-api",
			LogLevel:  "info",
			LogFormat: "json",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8765",
			MaxBodySize: 10 << 20,
		},
		Auth: AuthConfig{
			Algorithm: "md5",
		},
		Dispatch: DispatchConfig{
			ThreadPoolSize: 10,
		},
		Runner: RunnerConfig{
			AnsibleBin:  "ansible",
			PlaybookBin: "ansible-playbook",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
