package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks normalized records against the canonical schema
// before they are published to the bus.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration `yaml:"max_age"`
	MaxFuture time.Duration `yaml:"max_future"`
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified
// configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("action_set", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateRecord validates a CommonRecord. Returns an error describing
// the first violation found.
func (v *Validator) ValidateRecord(rec *CommonRecord) error {
	if err := v.validate.Struct(rec); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !rec.Protocol.IsValid() {
		return fmt.Errorf("unknown protocol: %q", rec.Protocol)
	}
	if !rec.Provenance.Origin.IsValid() {
		return fmt.Errorf("unknown source kind: %q", rec.Provenance.Origin)
	}

	if rec.TEnd.Before(rec.TStart) {
		return fmt.Errorf("t_end %v precedes t_start %v", rec.TEnd, rec.TStart)
	}

	now := time.Now().UTC()
	if rec.TEnd.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("record too old: %v (max age: %v)", rec.TEnd, v.maxAge)
	}
	if rec.TStart.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("record in future: %v (max future: %v)", rec.TStart, v.maxFuture)
	}

	return nil
}

// ValidateRule validates a UniversalRule's match and bounds.
func (v *Validator) ValidateRule(rule *UniversalRule) error {
	if err := v.validate.Struct(rule); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !rule.Action.IsValid() {
		return fmt.Errorf("unknown rule action: %q", rule.Action)
	}
	if rule.Action == RuleRateLimit && rule.RatePPS <= 0 {
		return fmt.Errorf("rate_limit rule requires a positive rate")
	}
	return nil
}
