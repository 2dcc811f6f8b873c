package config

import (
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/remote"
	"github.com/sidkik/ftp-deploy/pkg/retry"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

const (
	// DeployConfigPath is the default path to the deploy config. It's
	// relative to the current directory.
	DeployConfigPath = "ftp-deploy.yaml"

	// InitialDeployConfigVersion is the first version of the deploy config.
	// Config files that do not specify a version default to this version.
	InitialDeployConfigVersion = "v1alpha1"

	// SupportedDeployConfigVersion is the version of the deploy config
	// understood by this binary.
	SupportedDeployConfigVersion = "v1alpha1"

	// PasswordEnvKey is the environment variable that the password is read
	// from when it's not in the config file.
	PasswordEnvKey = "FTP_DEPLOY_PASSWORD"

	// DefaultStateName is the name of the state file on the server.
	DefaultStateName = ".ftp-deploy-sync-state.json"
)

// Log levels accepted by the `log-level` field.
const (
	LogLevelMinimal  = "minimal"
	LogLevelStandard = "standard"
	LogLevelVerbose  = "verbose"
)

// Values accepted by the `security` field.
const (
	SecurityStrict = "strict"
	SecurityLoose  = "loose"
)

// Deploy is the configuration for a deployment.
type Deploy struct {
	Version string `json:"version,omitempty"`

	Server   string `json:"server"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Protocol string `json:"protocol"`

	LocalDir  string   `json:"local-dir"`
	ServerDir string   `json:"server-dir"`
	StateName string   `json:"state-name"`
	Exclude   []string `json:"exclude"`

	DryRun              bool `json:"dry-run"`
	DangerousCleanSlate bool `json:"dangerous-clean-slate"`

	Concurrency          int `json:"concurrency"`
	RetryAttempts        int `json:"retry-attempts"`
	RetryDelaySeconds    int `json:"retry-delay-seconds"`
	SessionMaxAgeSeconds int `json:"session-max-age-seconds"`
	MaxTaskFailures      int `json:"max-task-failures"`
	TimeoutSeconds       int `json:"timeout-seconds"`

	LogLevel string `json:"log-level"`
	LogFile  string `json:"log-file,omitempty"`

	Security              string `json:"security"`
	KnownHosts            string `json:"known-hosts,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure-ignore-host-key"`
}

func (d Deploy) getVersion() string {
	return d.Version
}

// DefaultDeploy returns the config used for fields that aren't set in the
// config file.
func DefaultDeploy() Deploy {
	return Deploy{
		Version:              InitialDeployConfigVersion,
		Protocol:             string(remote.ProtocolFTP),
		LocalDir:             "./",
		ServerDir:            "./",
		StateName:            DefaultStateName,
		Exclude:              append([]string(nil), sync.DefaultExclude...),
		RetryAttempts:        3,
		RetryDelaySeconds:    1,
		SessionMaxAgeSeconds: 240,
		MaxTaskFailures:      5,
		TimeoutSeconds:       30,
		LogLevel:             LogLevelStandard,
		Security:             SecurityLoose,
	}
}

// ParseDeploy parses the deploy config at `path`. If the file doesn't exist
// and `required` is false, the defaults are returned.
func ParseDeploy(path string, required bool) (Deploy, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Deploy{}, errors.WithContext(err, "expand config path")
	}

	config := DefaultDeploy()
	err = parseConfig(path, &config, SupportedDeployConfigVersion)
	switch err.(type) {
	case nil:
		// Evaluate relative paths relative to the config path.
		if config.LocalDir != "" && !filepath.IsAbs(config.LocalDir) {
			config.LocalDir = filepath.Join(filepath.Dir(path), config.LocalDir)
		}
	case errors.FileNotFound:
		if required {
			return Deploy{}, errors.NewFriendlyError(
				"The config file doesn't exist at %q.", path)
		}
		log.WithField("path", path).Debug("No config file found. Using defaults.")
	default:
		return Deploy{}, errors.WithContext(err, "parse")
	}

	if config.Password == "" {
		config.Password = os.Getenv(PasswordEnvKey)
	}

	for _, field := range []*string{&config.LocalDir, &config.KnownHosts, &config.LogFile} {
		if *field, err = homedirExpand(*field); err != nil {
			return Deploy{}, errors.WithContext(err, "expand path")
		}
	}
	return config, nil
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// Validate checks that the config can be used for a deployment.
func (d Deploy) Validate() error {
	protocol := remote.Protocol(d.Protocol)
	supported := false
	for _, p := range remote.Protocols {
		if p == protocol {
			supported = true
		}
	}
	if !supported {
		return errors.InvalidFieldError{Field: "protocol", Value: d.Protocol,
			Reason: "must be one of ftp, ftps, ftps-legacy, sftp or local"}
	}

	// The local protocol defaults to the current directory.
	if d.Server == "" && protocol != remote.ProtocolLocal {
		return errors.MissingFieldError{Field: "server"}
	}

	intFields := []struct {
		name  string
		value int
		min   int
	}{
		{"port", d.Port, 0},
		{"concurrency", d.Concurrency, 0},
		{"retry-attempts", d.RetryAttempts, 1},
		{"retry-delay-seconds", d.RetryDelaySeconds, 0},
		{"session-max-age-seconds", d.SessionMaxAgeSeconds, 0},
		{"max-task-failures", d.MaxTaskFailures, 0},
		{"timeout-seconds", d.TimeoutSeconds, 0},
	}
	for _, field := range intFields {
		if field.value < field.min {
			return errors.InvalidFieldError{Field: field.name, Value: field.value,
				Reason: "too small"}
		}
	}

	if _, err := d.LogrusLevel(); err != nil {
		return err
	}

	if d.Security != SecurityStrict && d.Security != SecurityLoose {
		return errors.InvalidFieldError{Field: "security", Value: d.Security,
			Reason: "must be strict or loose"}
	}
	return nil
}

// LogrusLevel returns the log level that corresponds to the `log-level`
// field.
func (d Deploy) LogrusLevel() (log.Level, error) {
	switch d.LogLevel {
	case LogLevelMinimal:
		return log.WarnLevel, nil
	case LogLevelStandard, "":
		return log.InfoLevel, nil
	case LogLevelVerbose:
		return log.DebugLevel, nil
	default:
		return 0, errors.InvalidFieldError{Field: "log-level", Value: d.LogLevel,
			Reason: "must be minimal, standard or verbose"}
	}
}

// RemoteOptions returns the connection parameters for the server.
func (d Deploy) RemoteOptions() remote.Options {
	protocol := remote.Protocol(d.Protocol)
	port := d.Port
	if port == 0 {
		port = 21
		if protocol == remote.ProtocolSFTP {
			port = 22
		}
	}

	server := d.Server
	if server == "" && protocol == remote.ProtocolLocal {
		server = "."
	}

	return remote.Options{
		Protocol:              protocol,
		Server:                server,
		Port:                  port,
		Username:              d.Username,
		Password:              d.Password,
		Timeout:               seconds(d.TimeoutSeconds),
		InsecureSkipVerify:    d.Security == SecurityLoose,
		KnownHosts:            d.KnownHosts,
		InsecureIgnoreHostKey: d.InsecureIgnoreHostKey,
	}
}

// RetryConfig returns the retry policy for remote operations.
func (d Deploy) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: d.RetryAttempts,
		Delay:       seconds(d.RetryDelaySeconds),
	}
}

// SessionMaxAge returns how long a session may be open before it's
// refreshed.
func (d Deploy) SessionMaxAge() time.Duration {
	return seconds(d.SessionMaxAgeSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
