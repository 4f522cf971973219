package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	structCheck  *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		structCheck = validator.New(validator.WithRequiredStructEnabled())
		// Report yaml key paths rather than Go field names.
		structCheck.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structCheck
}

// validate runs struct tag rules, then the cross-field rules tags cannot
// express.
func validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, translateError(fe))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	if cfg.Source.User != "" && cfg.Source.Host == "" {
		return fmt.Errorf("source.user is set but source.host is empty")
	}
	if cfg.Clone.Method == "exec" && len(cfg.Clone.Command) == 0 {
		return fmt.Errorf("clone.command must not be empty when clone.method is exec")
	}
	if cfg.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron %q: %w", cfg.Schedule.Cron, err)
		}
	}

	checks := map[string]string{
		"destination.path": cfg.Destination.Path,
		"api.token":        cfg.API.Token,
		"metrics.textfile": cfg.Metrics.Textfile,
		"state.path":       cfg.State.Path,
	}
	for i, p := range cfg.Source.Paths {
		checks[fmt.Sprintf("source.paths[%d]", i)] = p
	}
	for field, value := range checks {
		if m := envVarPattern.FindString(value); m != "" {
			return fmt.Errorf("%s references unset environment variable %s", field, m)
		}
	}
	return nil
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func translateError(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %q)", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
