package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/scoring"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validate checks struct tags first and then the per-section Validate
// methods, so a structurally sound config can still be rejected for
// semantic reasons such as an unknown summarize tier.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &memory.ConfigError{
				Field:   fieldPath(fe),
				Message: formatFieldError(fe),
			}
		}
		return &memory.ConfigError{Message: err.Error()}
	}

	if err := cfg.Scoring.Validate(); err != nil {
		return err
	}
	if _, err := scoring.RulesFromConfig(cfg.Rules); err != nil {
		return err
	}
	if err := cfg.Clustering.Validate(); err != nil {
		return err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	if err := cfg.Retrieval.Validate(); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := cfg.Scheduler.Config.Validate(); err != nil {
			return err
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return &memory.ConfigError{Field: "redis.addr", Message: "must be set when redis is enabled"}
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.DSN == "" {
		return &memory.ConfigError{Field: "storage.dsn", Message: "must be set for the postgres backend"}
	}
	if (cfg.Storage.Backend == "sqlite" || cfg.Storage.Backend == "badger") && cfg.Storage.Path == "" {
		return &memory.ConfigError{Field: "storage.path", Message: "must be set for the " + cfg.Storage.Backend + " backend"}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// fieldPath turns "Config.Storage.Backend" into "storage.backend".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
