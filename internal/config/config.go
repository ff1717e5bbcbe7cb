// internal/config/config.go
// Package config loads the sweep configuration from a file, the environment
// and a .env file, validates it and converts it into parameter specs.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

// EnvPrefix prefixes environment overrides, e.g. KOBOLDSWEEP_INTERPRETER.
const EnvPrefix = "KOBOLDSWEEP"

// DefaultPrompt is sent when the configuration does not name a prompt.
const DefaultPrompt = "Below is an instruction that describes a task. Write a response that appropriately completes the request. ..."

//go:embed schema.json
var schemaJSON []byte

// Parameter is one swept parameter as written in the config file.
type Parameter struct {
	Name   string   `mapstructure:"name" json:"name" yaml:"name"`
	Values []any    `mapstructure:"values" json:"values,omitempty" yaml:"values,omitempty"`
	From   *float64 `mapstructure:"from" json:"from,omitempty" yaml:"from,omitempty"`
	To     *float64 `mapstructure:"to" json:"to,omitempty" yaml:"to,omitempty"`
	Step   *float64 `mapstructure:"step" json:"step,omitempty" yaml:"step,omitempty"`
}

// Config is the effective configuration of a sweep.
type Config struct {
	Interpreter      string         `mapstructure:"interpreter" json:"interpreter" yaml:"interpreter"`
	Script           string         `mapstructure:"script" json:"script" yaml:"script"`
	Prompt           string         `mapstructure:"prompt" json:"prompt" yaml:"prompt"`
	PromptParameters map[string]any `mapstructure:"prompt_parameters" json:"prompt_parameters" yaml:"prompt_parameters"`
	DefaultArguments [][]string     `mapstructure:"default_arguments" json:"default_arguments" yaml:"default_arguments"`
	Parameters       []Parameter    `mapstructure:"parameters" json:"parameters" yaml:"parameters"`
	LogsDir          string         `mapstructure:"logs_dir" json:"logs_dir" yaml:"logs_dir"`
	ResultsDir       string         `mapstructure:"results_dir" json:"results_dir" yaml:"results_dir"`
	KillGrace        time.Duration  `mapstructure:"kill_grace" json:"kill_grace" yaml:"kill_grace"`
	DispatchGrace    time.Duration  `mapstructure:"dispatch_grace" json:"dispatch_grace" yaml:"dispatch_grace"`
	RequestTimeout   time.Duration  `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	RunTimeout       time.Duration  `mapstructure:"run_timeout" json:"run_timeout" yaml:"run_timeout"`
}

// ValidationError lists every schema violation of a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

// setDefaults registers every key so that environment overrides apply to
// all of them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("interpreter", "python")
	v.SetDefault("script", "../koboldcpp/koboldcpp.py")
	v.SetDefault("prompt", DefaultPrompt)
	v.SetDefault("prompt_parameters", map[string]any{
		"max_context_length": 2048,
		"max_length":         100,
		"rep_pen":            1.19,
		"rep_pen_range":      1024,
		"rep_pen_slope":      0.9,
		"temperature":        0.79,
		"tfs":                0.95,
		"top_a":              0,
		"top_k":              0,
		"top_p":              0.9,
		"typical":            1,
		"sampler_order":      []int{6, 0, 1, 3, 4, 2, 5},
		"singleline":         false,
		"stop_sequence":      []string{"\nYou:", "\n### Instruction:", "\n### Response:"},
		"sampler_seed":       1337,
	})
	v.SetDefault("default_arguments", [][]string{
		{"--blasbatchsize", "512"},
		{"--threads", "4"},
		{"--blasthreads", "4"},
		{"--highpriority"},
		{"--contextsize", "2048"},
	})
	v.SetDefault("parameters", []map[string]any{
		{"name": "gpulayers", "from": 0, "to": 45, "step": 1},
	})
	v.SetDefault("logs_dir", "logs")
	v.SetDefault("results_dir", "results")
	v.SetDefault("kill_grace", "5s")
	v.SetDefault("dispatch_grace", "5s")
	v.SetDefault("request_timeout", "0s")
	v.SetDefault("run_timeout", "0s")
}

// Load reads the configuration. path may be empty, in which case a
// koboldsweep.{yaml,json,toml} in the working directory is used if present
// and the built-in defaults otherwise. A .env file in the working directory
// is loaded into the environment first; a missing .env is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("koboldsweep")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := validate(v.AllSettings()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// validate checks the merged settings against the embedded schema.
func validate(settings map[string]any) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("config schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}
	return &ValidationError{Issues: issues}
}

// Specs converts the configured parameters into sweep specs.
func (c *Config) Specs() ([]sweep.ParameterSpec, error) {
	specs := make([]sweep.ParameterSpec, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		spec := sweep.ParameterSpec{Name: p.Name, From: p.From, To: p.To, Step: p.Step}
		if p.Values != nil {
			spec.Values = make([]sweep.Value, 0, len(p.Values))
			for _, raw := range p.Values {
				val, err := sweep.ValueOf(raw)
				if err != nil {
					return nil, &sweep.ConfigError{Param: p.Name, Message: err.Error()}
				}
				spec.Values = append(spec.Values, val)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
