package inference

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/digkill/TGImageBot/internal/config"
)

// Quality is the system-wide sampler configuration sent with every request.
type Quality struct {
	Model        string  `yaml:"model" json:"model"`
	Sampler      string  `yaml:"sampler" json:"sampler"`
	Steps        int     `yaml:"steps" json:"steps"`
	CFGScale     float64 `yaml:"cfg_scale" json:"cfg_scale"`
	SafetyCheck  bool    `yaml:"safety_check" json:"safety_check"`
	Seed         int64   `yaml:"seed" json:"seed"`
	OutputFormat string  `yaml:"output_format" json:"output_format"`
}

// profile mirrors Quality with optional fields so a YAML file only overrides
// what it names.
type profile struct {
	Model        *string  `yaml:"model"`
	Sampler      *string  `yaml:"sampler"`
	Steps        *int     `yaml:"steps"`
	CFGScale     *float64 `yaml:"cfg_scale"`
	SafetyCheck  *bool    `yaml:"safety_check"`
	Seed         *int64   `yaml:"seed"`
	OutputFormat *string  `yaml:"output_format"`
}

// QualityFromConfig builds the quality settings from the environment and then
// applies the optional profile file.
func QualityFromConfig(cfg config.Inference) (Quality, error) {
	q := Quality{
		Model:        cfg.Model,
		Sampler:      cfg.Sampler,
		Steps:        cfg.Steps,
		CFGScale:     cfg.CFGScale,
		SafetyCheck:  cfg.SafetyCheck,
		Seed:         cfg.Seed,
		OutputFormat: cfg.OutputFormat,
	}
	if cfg.ProfilePath != "" {
		var err error
		if q, err = LoadProfile(cfg.ProfilePath, q); err != nil {
			return Quality{}, err
		}
	}
	return q, q.Validate()
}

// LoadProfile overlays the YAML file at path onto base.
func LoadProfile(path string, base Quality) (Quality, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Quality{}, fmt.Errorf("read quality profile: %w", err)
	}
	var p profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Quality{}, fmt.Errorf("parse quality profile %s: %w", path, err)
	}
	q := base
	if p.Model != nil {
		q.Model = *p.Model
	}
	if p.Sampler != nil {
		q.Sampler = *p.Sampler
	}
	if p.Steps != nil {
		q.Steps = *p.Steps
	}
	if p.CFGScale != nil {
		q.CFGScale = *p.CFGScale
	}
	if p.SafetyCheck != nil {
		q.SafetyCheck = *p.SafetyCheck
	}
	if p.Seed != nil {
		q.Seed = *p.Seed
	}
	if p.OutputFormat != nil {
		q.OutputFormat = *p.OutputFormat
	}
	return q, nil
}

func (q Quality) Validate() error {
	var errs []error
	if strings.TrimSpace(q.Model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if q.Steps <= 0 {
		errs = append(errs, fmt.Errorf("steps must be positive, got %d", q.Steps))
	}
	if q.CFGScale <= 0 {
		errs = append(errs, fmt.Errorf("cfg_scale must be positive, got %g", q.CFGScale))
	}
	if q.Seed < 0 {
		errs = append(errs, fmt.Errorf("seed must not be negative, got %d", q.Seed))
	}
	if q.MimeType() == "" {
		errs = append(errs, fmt.Errorf("unsupported output format %q", q.OutputFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid quality settings: %w", errors.Join(errs...))
	}
	return nil
}

// MimeType returns the Accept value for the configured output format.
func (q Quality) MimeType() string {
	switch strings.ToLower(q.OutputFormat) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return ""
	}
}

// ResolveSeed returns the fixed seed, or a random one when the seed is zero.
func (q Quality) ResolveSeed() int64 {
	if q.Seed > 0 {
		return q.Seed
	}
	return rand.Int64N(1_000_000) + 1
}
