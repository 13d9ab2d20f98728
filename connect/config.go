package connect

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yaml overrides for `SyncClientSettings`. unset fields keep their defaults.
// durations use `time.ParseDuration` syntax, e.g. "1.5s", "5m".
//
//	supervisor:
//	  max_reconnect_attempts: 5
//	  reconnect_delay: 500ms
//	conflicts:
//	  default_strategy: merge
//	  custom_expression: remote.priority > local.priority
type FileConfig struct {
	Address    string                   `yaml:"address,omitempty"`
	Supervisor SupervisorFileConfig     `yaml:"supervisor,omitempty"`
	Conflicts  ConflictEngineFileConfig `yaml:"conflicts,omitempty"`

	AutoResolve     *bool `yaml:"auto_resolve,omitempty"`
	EchoResolutions *bool `yaml:"echo_resolutions,omitempty"`
	MaxStatusErrors *int  `yaml:"max_status_errors,omitempty"`
}

type SupervisorFileConfig struct {
	MaxReconnectAttempts       *int     `yaml:"max_reconnect_attempts,omitempty"`
	ReconnectDelay             string   `yaml:"reconnect_delay,omitempty"`
	ReconnectBackoffMultiplier *float64 `yaml:"reconnect_backoff_multiplier,omitempty"`
	HeartbeatInterval          string   `yaml:"heartbeat_interval,omitempty"`
	MaxQueueSize               *int     `yaml:"max_queue_size,omitempty"`
	MaxQueueAge                string   `yaml:"max_queue_age,omitempty"`
	ConnectionTimeout          string   `yaml:"connection_timeout,omitempty"`
}

type ConflictEngineFileConfig struct {
	ConflictTimeout        string `yaml:"conflict_timeout,omitempty"`
	MaxConflictHistory     *int   `yaml:"max_conflict_history,omitempty"`
	DefaultStrategy        string `yaml:"default_strategy,omitempty"`
	EnableUserIntervention *bool  `yaml:"enable_user_intervention,omitempty"`
	// compiled into an `ExprStrategy` backing the `custom` strategy
	CustomExpression string `yaml:"custom_expression,omitempty"`
}

func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFileConfig(data)
}

func ParseFileConfig(data []byte) (*FileConfig, error) {
	fileConfig := &FileConfig{}
	if err := yaml.Unmarshal(data, fileConfig); err != nil {
		return nil, fmt.Errorf("Bad config: %w", err)
	}
	return fileConfig, nil
}

// overrides `settings` in place with every field set in the file
func (self *FileConfig) Apply(settings *SyncClientSettings) error {
	supervisor := &settings.SupervisorSettings
	if v := self.Supervisor.MaxReconnectAttempts; v != nil {
		supervisor.MaxReconnectAttempts = *v
	}
	if err := parseDurationInto(self.Supervisor.ReconnectDelay, "reconnect_delay", &supervisor.ReconnectDelay); err != nil {
		return err
	}
	if v := self.Supervisor.ReconnectBackoffMultiplier; v != nil {
		if *v < 1 {
			return fmt.Errorf("reconnect_backoff_multiplier must be at least 1 (%f)", *v)
		}
		supervisor.ReconnectBackoffMultiplier = *v
	}
	if err := parseDurationInto(self.Supervisor.HeartbeatInterval, "heartbeat_interval", &supervisor.HeartbeatInterval); err != nil {
		return err
	}
	if v := self.Supervisor.MaxQueueSize; v != nil {
		if *v < 1 {
			return fmt.Errorf("max_queue_size must be positive (%d)", *v)
		}
		supervisor.MaxQueueSize = *v
	}
	if err := parseDurationInto(self.Supervisor.MaxQueueAge, "max_queue_age", &supervisor.MaxQueueAge); err != nil {
		return err
	}
	if err := parseDurationInto(self.Supervisor.ConnectionTimeout, "connection_timeout", &supervisor.ConnectionTimeout); err != nil {
		return err
	}

	conflicts := &settings.ConflictEngineSettings
	if err := parseDurationInto(self.Conflicts.ConflictTimeout, "conflict_timeout", &conflicts.ConflictTimeout); err != nil {
		return err
	}
	if v := self.Conflicts.MaxConflictHistory; v != nil {
		if *v < 1 {
			return fmt.Errorf("max_conflict_history must be positive (%d)", *v)
		}
		conflicts.MaxConflictHistory = *v
	}
	if self.Conflicts.DefaultStrategy != "" {
		conflicts.DefaultStrategy = self.Conflicts.DefaultStrategy
	}
	if v := self.Conflicts.EnableUserIntervention; v != nil {
		conflicts.EnableUserIntervention = *v
	}
	if self.Conflicts.CustomExpression != "" {
		exprStrategy, err := NewExprStrategy(self.Conflicts.CustomExpression)
		if err != nil {
			return err
		}
		conflicts.CustomStrategy = exprStrategy
	}

	if v := self.AutoResolve; v != nil {
		settings.AutoResolve = *v
	}
	if v := self.EchoResolutions; v != nil {
		settings.EchoResolutions = *v
	}
	if v := self.MaxStatusErrors; v != nil {
		settings.MaxStatusErrors = *v
	}
	return nil
}

func parseDurationInto(s string, name string, d *time.Duration) error {
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("Bad %s: %w", name, err)
	}
	if parsed < 0 {
		return fmt.Errorf("%s must not be negative (%s)", name, s)
	}
	*d = parsed
	return nil
}
