package config

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// validate is a global validator instance used to validate struct fields based on tags.
var validate *validator.Validate

// Config holds all the configuration parameters of a release run.
type Config struct {
	Global        Global        `yaml:",omitempty"`    // Global contains invocation time settings.
	Log           Log           `yaml:"log"`           // Log holds configuration related to logging.
	OpenTelemetry OpenTelemetry `yaml:"opentelemetry"` // OpenTelemetry contains configuration settings for tracing.
	Redis         Redis         `yaml:"redis"`         // Redis holds the connection used to persist run reports.
	Metrics       Metrics       `yaml:"metrics"`       // Metrics configures where run metrics are pushed.
	Pipeline      Pipeline      `yaml:"pipeline"`      // Pipeline holds run wide settings.
	Workspace     Workspace     `yaml:"workspace"`     // Workspace describes the checked out sources.
	Registry      Registry      `yaml:"registry"`      // Registry is where images are published.
	Environments  Environments  `yaml:"environments"`  // Environments holds the per environment settings.
	Stages        Stages        `yaml:"stages"`        // Stages holds the commands of the generic stages.
	Build         Build         `yaml:"build"`         // Build configures the image build.
	Scan          Scan          `yaml:"scan"`          // Scan configures the security scan.
	Gate          Gate          `yaml:"gate"`          // Gate configures the quality gate.
	Remote        Remote        `yaml:"remote"`        // Remote configures the channel to the target hosts.
	Health        Health        `yaml:"health"`        // Health configures the post deployment health check.
}

// Log holds configuration settings related to runtime logging.
type Log struct {
	// Level sets the logging verbosity level.
	// Valid values: trace, debug, info, warning, error, fatal, panic.
	// Defaults to "info".
	Level string `default:"info" validate:"required,oneof=trace debug info warning error fatal panic" yaml:"level"`

	// Format sets the output format of the logs.
	// Valid values: "text" or "json".
	// Defaults to "text".
	Format string `default:"text" validate:"oneof=text json" yaml:"format"`
}

// OpenTelemetry holds configuration related to OpenTelemetry integration.
type OpenTelemetry struct {
	// GRPCEndpoint is the gRPC address of the OpenTelemetry collector to send traces to.
	GRPCEndpoint string `yaml:"grpc_endpoint"`
}

// Redis holds the configuration for connecting to a Redis instance.
type Redis struct {
	// URL is the connection string used to connect to the Redis server.
	// Format example: redis[s]://[:password@]host[:port][/db-number][?option=value]
	// When empty, reports are only kept in memory for the duration of the process.
	URL string `yaml:"url"`
}

// Metrics holds the configuration of the Prometheus Pushgateway the run metrics are pushed to.
type Metrics struct {
	PushgatewayURL string `validate:"omitempty,url" yaml:"pushgateway_url"` // PushgatewayURL is left empty to disable pushing.
	JobName        string `default:"release-pipeline" validate:"required" yaml:"job_name"`
}

// Pipeline holds settings which apply to the whole run.
type Pipeline struct {
	// TimeoutSeconds bounds the whole run, cleanup excluded.
	TimeoutSeconds int `default:"1800" validate:"gte=1" yaml:"timeout_seconds"`

	// CleanupTimeoutSeconds bounds the cleanup stage, which runs even after TimeoutSeconds expired.
	CleanupTimeoutSeconds int `default:"300" validate:"gte=1" yaml:"cleanup_timeout_seconds"`
}

// Timeout returns the run deadline as a duration.
func (p Pipeline) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// CleanupTimeout returns the cleanup deadline as a duration.
func (p Pipeline) CleanupTimeout() time.Duration {
	return time.Duration(p.CleanupTimeoutSeconds) * time.Second
}

// Workspace describes where the sources of the application live.
type Workspace struct {
	Dir string `default:"." validate:"required" yaml:"dir"` // Dir is the working directory of local commands.
}

// Registry is the container registry images are published to.
type Registry struct {
	URL  string `validate:"required" yaml:"url"`  // URL is the registry host, e.g. registry.example.com:5000
	Name string `validate:"required" yaml:"name"` // Name is the repository of the image within the registry.
}

// Environments holds the settings of each deployment target.
type Environments struct {
	Dev  EnvironmentOverride `yaml:"dev"`
	Prod EnvironmentOverride `yaml:"prod"`
}

// EnvironmentOverride holds the configurable part of an environment profile.
// Ports and tag suffixes are fixed per environment and cannot be overridden.
type EnvironmentOverride struct {
	Host        string `validate:"required" yaml:"host"` // Host is the address of the target machine.
	ComposeFile string `yaml:"compose_file,omitempty"`   // ComposeFile replaces the default docker-compose.{env}.yml.
	ProjectName string `yaml:"project_name,omitempty"`   // ProjectName replaces the default compose project name.
}

// Stages holds the argv of the stages which only run a local command.
// An empty argv makes the stage a successful no-op.
type Stages struct {
	Checkout []string `yaml:"checkout"`
	Setup    []string `yaml:"setup"`
	Lint     []string `yaml:"lint"`
	Test     []string `yaml:"test"`
	Cleanup  []string `yaml:"cleanup"`
}

// Build configures how the image is built.
type Build struct {
	Tool       string            `default:"docker" validate:"oneof=docker podman" yaml:"tool"` // Tool is the container CLI.
	Dockerfile string            `default:"Dockerfile" validate:"required" yaml:"dockerfile"`  // Dockerfile path, relative to the workspace.
	Context    string            `default:"." validate:"required" yaml:"context"`              // Context is the build context directory.
	Args       map[string]string `yaml:"args,omitempty"`                                       // Args are passed as --build-arg.
}

// Scan configures the security scan run against the built image.
type Scan struct {
	// Command is the scanner argv. The {image} placeholder is replaced by the image reference.
	Command []string `default:"[\"trivy\",\"image\",\"--exit-code\",\"1\",\"--severity\",\"HIGH,CRITICAL\",\"{image}\"]" validate:"min=1" yaml:"command"`
}

// Gate configures the quality gate evaluated before anything is published.
type Gate struct {
	// Kind selects the judge: none, sonarqube or gitlab.
	Kind                string `default:"none" validate:"oneof=none sonarqube gitlab,gitlab-gate-settings" yaml:"kind"`
	TimeoutSeconds      int    `default:"300" validate:"gte=1" yaml:"timeout_seconds"`     // TimeoutSeconds bounds the wait for a verdict.
	PollIntervalSeconds int    `default:"5" validate:"gte=1" yaml:"poll_interval_seconds"` // PollIntervalSeconds is the delay between two polls.

	// SonarQube settings, used when Kind is sonarqube.
	URL                      string `validate:"required_if=Kind sonarqube" yaml:"url"`
	Token                    string `yaml:"token"`
	ProjectKey               string `validate:"required_if=Kind sonarqube" yaml:"project_key"`
	MaximumRequestsPerSecond int    `default:"2" validate:"gte=1" yaml:"maximum_requests_per_second"`

	// GitLab settings, used when Kind is gitlab.
	GitLab GateGitLab `yaml:"gitlab"`
}

// GateGitLab holds the settings of the GitLab commit status quality gate.
type GateGitLab struct {
	URL                        string `default:"https://gitlab.com" validate:"omitempty,url" yaml:"url"`
	HealthURL                  string `validate:"omitempty,url" yaml:"health_url"`
	Token                      string `yaml:"token"`
	Project                    string `yaml:"project"`                                                    // Project is the path or ID of the project.
	SHA                        string `yaml:"sha"`                                                        // SHA is the commit the statuses are read from.
	StatusName                 string `yaml:"status_name"`                                                // StatusName restricts the statuses considered, e.g. "sonarqube".
	EnableTLSVerify            bool   `default:"true" yaml:"enable_tls_verify"`                           // EnableTLSVerify toggles TLS certificate verification.
	MaximumRequestsPerSecond   int    `default:"5" validate:"gte=1" yaml:"maximum_requests_per_second"`   // MaximumRequestsPerSecond limits the GitLab API calls.
	BurstableRequestsPerSecond int    `default:"5" validate:"gte=1" yaml:"burstable_requests_per_second"` // BurstableRequestsPerSecond allows short bursts.
}

// Timeout returns the gate deadline as a duration.
func (g Gate) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// PollInterval returns the delay between two polls as a duration.
func (g Gate) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalSeconds) * time.Second
}

// Remote configures the authenticated channel used to deploy on the target hosts.
type Remote struct {
	User                  string `default:"deploy" validate:"required" yaml:"user"`
	Port                  int    `default:"22" validate:"gte=1,lte=65535" yaml:"port"`
	PrivateKeyPath        string `yaml:"private_key_path"`
	Passphrase            string `yaml:"passphrase"`
	KnownHostsPath        string `validate:"known-hosts-or-insecure" yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `default:"false" yaml:"insecure_ignore_host_key"`
	DialTimeoutSeconds    int    `default:"10" validate:"gte=1" yaml:"dial_timeout_seconds"`
	ComposeDir            string `default:"/opt/app" validate:"required" yaml:"compose_dir"`           // ComposeDir receives the compose file.
	ComposeCommand        string `default:"docker compose" validate:"required" yaml:"compose_command"` // ComposeCommand is "docker compose", "docker-compose" or their podman equivalents.
}

// DialTimeout returns the connection timeout as a duration.
func (r Remote) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutSeconds) * time.Second
}

// Health configures the post deployment health check.
type Health struct {
	InitialDelaySeconds int    `default:"30" validate:"gte=0" yaml:"initial_delay_seconds"` // InitialDelaySeconds is waited once before the first probe.
	MaxAttempts         int    `default:"10" validate:"gte=1" yaml:"max_attempts"`          // MaxAttempts bounds the number of probes.
	IntervalSeconds     int    `default:"10" validate:"gte=0" yaml:"interval_seconds"`      // IntervalSeconds is waited between two probes.
	TimeoutSeconds      int    `default:"5" validate:"gte=1" yaml:"timeout_seconds"`        // TimeoutSeconds bounds a single probe.
	Path                string `default:"/health" validate:"startswith=/" yaml:"path"`      // Path of the health endpoint.
}

// Log returns a structured representation of the health check policy
// to help display it in logs for the end user.
func (h Health) Log() log.Fields {
	return log.Fields{
		"initial-delay": fmt.Sprintf("%ds", h.InitialDelaySeconds),
		"max-attempts":  h.MaxAttempts,
		"interval":      fmt.Sprintf("%ds", h.IntervalSeconds),
	}
}

// UnmarshalYAML implements custom YAML unmarshaling logic for the Config struct so that
// every section starts from its default values, whichever keys the file sets.
func (c *Config) UnmarshalYAML(v *yaml.Node) (err error) {
	type localConfig struct {
		Log           Log           `yaml:"log"`
		OpenTelemetry OpenTelemetry `yaml:"opentelemetry"`
		Redis         Redis         `yaml:"redis"`
		Metrics       Metrics       `yaml:"metrics"`
		Pipeline      Pipeline      `yaml:"pipeline"`
		Workspace     Workspace     `yaml:"workspace"`
		Registry      Registry      `yaml:"registry"`
		Environments  Environments  `yaml:"environments"`
		Stages        Stages        `yaml:"stages"`
		Build         Build         `yaml:"build"`
		Scan          Scan          `yaml:"scan"`
		Gate          Gate          `yaml:"gate"`
		Remote        Remote        `yaml:"remote"`
		Health        Health        `yaml:"health"`
	}

	// Initialize the local config with default values
	_cfg := localConfig{}
	defaults.MustSet(&_cfg)

	// Decode the input YAML into the local config struct
	if err = v.Decode(&_cfg); err != nil {
		return
	}

	c.Log = _cfg.Log
	c.OpenTelemetry = _cfg.OpenTelemetry
	c.Redis = _cfg.Redis
	c.Metrics = _cfg.Metrics
	c.Pipeline = _cfg.Pipeline
	c.Workspace = _cfg.Workspace
	c.Registry = _cfg.Registry
	c.Environments = _cfg.Environments
	c.Stages = _cfg.Stages
	c.Build = _cfg.Build
	c.Scan = _cfg.Scan
	c.Gate = _cfg.Gate
	c.Remote = _cfg.Remote
	c.Health = _cfg.Health

	return
}

// ToYAML serializes the Config object into a YAML formatted string.
// Before serialization, it clears or masks sensitive data to avoid leaking secrets.
func (c Config) ToYAML() string {
	// Clear the Global config (not serialized)
	c.Global = Global{}

	// Mask sensitive values in the config to avoid exposing them in the output YAML
	for _, s := range []*string{&c.Gate.Token, &c.Gate.GitLab.Token, &c.Remote.Passphrase, &c.Redis.URL} {
		if *s != "" {
			*s = "*******"
		}
	}

	// Marshal the config struct into YAML bytes
	b, err := yaml.Marshal(c)
	if err != nil {
		// Panic on error because this function assumes marshaling should never fail
		panic(err)
	}

	// Return the YAML as a string
	return string(b)
}

// Validate checks if the Config struct's fields are valid according to
// the validation rules defined via struct tags and custom validators.
// It returns an error if any validation rule fails.
func (c Config) Validate() error {
	// Initialize the validator instance if not already done
	if validate == nil {
		validate = validator.New()
		_ = validate.RegisterValidation("known-hosts-or-insecure", ValidateKnownHostsOrInsecure)
		_ = validate.RegisterValidation("gitlab-gate-settings", ValidateGitLabGateSettings)
	}

	// Perform the validation on the Config struct and return the result
	return validate.Struct(c)
}

// ValidateKnownHostsOrInsecure ensures host keys are either verified against a known_hosts
// file or explicitly ignored.
func ValidateKnownHostsOrInsecure(v validator.FieldLevel) bool {
	return v.Field().String() != "" || v.Parent().FieldByName("InsecureIgnoreHostKey").Bool()
}

// ValidateGitLabGateSettings ensures the GitLab gate has what it needs to query commit statuses
// when it is the selected gate kind.
func ValidateGitLabGateSettings(v validator.FieldLevel) bool {
	if v.Field().String() != "gitlab" {
		return true
	}

	settings := v.Parent().FieldByName("GitLab")
	for _, name := range []string{"URL", "Token", "Project", "SHA"} {
		if settings.FieldByName(name).String() == "" {
			return false
		}
	}

	return true
}

// New returns a new Config instance with default parameters set.
// It uses the `defaults` package to automatically populate the config struct
// with predefined default values where applicable.
func New() (c Config) {
	defaults.MustSet(&c) // Apply default values to the config fields
	return               // Return the initialized config
}
