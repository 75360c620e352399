package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const settingsEnvPrefix = "QC"

// Settings is the pipeline configuration: scoring formula, alert thresholds,
// dispatch budget and stage timeouts.
type Settings struct {
	Formula    FormulaSettings   `mapstructure:"formula"`
	Thresholds ThresholdSettings `mapstructure:"thresholds"`
	Dispatch   DispatchSettings  `mapstructure:"dispatch"`
	Pipeline   PipelineSettings  `mapstructure:"pipeline"`
	Storage    StorageSettings   `mapstructure:"storage"`
}

type FormulaSettings struct {
	Version              string             `mapstructure:"version"`
	SectionWeights       map[string]float64 `mapstructure:"section_weights"`
	DefaultSectionWeight float64            `mapstructure:"default_section_weight"`
	SeverityWeights      map[string]float64 `mapstructure:"severity_weights"`
}

type ThresholdSettings struct {
	LowScoreFloor float64 `mapstructure:"low_score_floor"`
	MinSampleSize int     `mapstructure:"min_sample_size"`
}

type DispatchSettings struct {
	MaxAttempts          int               `mapstructure:"max_attempts"`
	InitialBackoff       time.Duration     `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration     `mapstructure:"max_backoff"`
	CallTimeout          time.Duration     `mapstructure:"call_timeout"`
	LockTTL              time.Duration     `mapstructure:"lock_ttl"`
	TitlePrefix          string            `mapstructure:"title_prefix"`
	DefaultResponsibleID string            `mapstructure:"default_responsible_id"`
	PublicBaseURL        string            `mapstructure:"public_base_url"`
	OwnersByBrigade      map[string]string `mapstructure:"owners_by_brigade"`
	OwnersByDepartment   map[string]string `mapstructure:"owners_by_department"`
}

// LockBudget is the longest one alert can hold its subject lock: a tracker
// lookup and every create attempt at call_timeout each, plus the jittered
// backoff of both the create and the ticket map retries.
func (d DispatchSettings) LockBudget() time.Duration {
	budget := time.Duration(d.MaxAttempts+1) * d.CallTimeout
	wait := d.InitialBackoff
	for i := 1; i < d.MaxAttempts; i++ {
		step := wait
		if d.MaxBackoff > 0 && step > d.MaxBackoff {
			step = d.MaxBackoff
		}
		budget += 2 * (step + step/10)
		wait *= 2
	}
	return budget
}

type PipelineSettings struct {
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
}

type StorageSettings struct {
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// LoadSettings reads path (or QC_SETTINGS_FILE when path is empty), then QC_*
// env overrides, over the defaults. A missing file is not an error.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	applySettingsDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(settingsEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("QC_SETTINGS_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return &s, nil
}

func applySettingsDefaults(v *viper.Viper) {
	v.SetDefault("formula.version", "v1")
	v.SetDefault("formula.default_section_weight", 1.0)
	v.SetDefault("formula.severity_weights", map[string]float64{"critical": 3, "warning": 2, "info": 1})

	v.SetDefault("thresholds.low_score_floor", 70.0)
	v.SetDefault("thresholds.min_sample_size", 1)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.initial_backoff", 2*time.Second)
	v.SetDefault("dispatch.max_backoff", 10*time.Second)
	v.SetDefault("dispatch.call_timeout", 30*time.Second)
	v.SetDefault("dispatch.lock_ttl", 3*time.Minute)
	v.SetDefault("dispatch.title_prefix", "[QC]")
	v.SetDefault("dispatch.default_responsible_id", "1")

	v.SetDefault("pipeline.render_timeout", 2*time.Minute)
	v.SetDefault("pipeline.run_timeout", 15*time.Minute)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 64)

	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local_dir", "./data/reports")
}

// DefaultSettings is LoadSettings with no file and no overrides applied.
func DefaultSettings() *Settings {
	v := viper.New()
	applySettingsDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return &s
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Formula.Version) == "" {
		return errors.New("formula.version is required")
	}
	if s.Formula.DefaultSectionWeight < 0 {
		return errors.New("formula.default_section_weight must not be negative")
	}
	for name, w := range s.Formula.SectionWeights {
		if w < 0 {
			return fmt.Errorf("formula.section_weights.%s must not be negative", name)
		}
	}
	for name := range s.Formula.SeverityWeights {
		if _, ok := analytics.ParseSeverity(name); !ok {
			return fmt.Errorf("formula.severity_weights: unknown severity %q", name)
		}
	}
	if s.Thresholds.LowScoreFloor < 0 || s.Thresholds.LowScoreFloor > 100 {
		return errors.New("thresholds.low_score_floor must be within 0..100")
	}
	if s.Thresholds.MinSampleSize < 0 {
		return errors.New("thresholds.min_sample_size must not be negative")
	}
	if s.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be at least 1")
	}
	if budget := s.Dispatch.LockBudget(); s.Dispatch.LockTTL <= budget {
		return fmt.Errorf("dispatch.lock_ttl %s must exceed the worst-case ticket dispatch time %s", s.Dispatch.LockTTL, budget)
	}
	if s.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be at least 1")
	}
	return nil
}

func (s *Settings) ToFormula() analytics.Formula {
	f := analytics.Formula{
		Version:              s.Formula.Version,
		SectionWeights:       map[string]decimal.Decimal{},
		DefaultSectionWeight: decimal.NewFromFloat(s.Formula.DefaultSectionWeight),
		SeverityWeights:      map[analytics.Severity]decimal.Decimal{},
	}
	for name, w := range s.Formula.SectionWeights {
		f.SectionWeights[name] = decimal.NewFromFloat(w)
	}
	for name, w := range s.Formula.SeverityWeights {
		sev, ok := analytics.ParseSeverity(name)
		if !ok {
			continue
		}
		f.SeverityWeights[sev] = decimal.NewFromFloat(w)
	}
	return f
}

func (s *Settings) ToThresholds() analytics.Thresholds {
	return analytics.Thresholds{
		LowScoreFloor: decimal.NewFromFloat(s.Thresholds.LowScoreFloor),
		MinSampleSize: s.Thresholds.MinSampleSize,
	}
}
