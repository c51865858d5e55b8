package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap lets errors.Is match errors.ErrInvalidInput.
func (e ValidationErrors) Unwrap() error { return errors.ErrInvalidInput }

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string { return []string{"debug", "info", "warn", "error"} }

// ValidProviders returns the accepted provider.name values.
func ValidProviders() []string { return []string{"openai", "deepseek", "gemini", "offline"} }

// ValidStorageBackends returns the accepted storage.backend values.
func ValidStorageBackends() []string { return []string{"file", "sqlite"} }

// ValidAuditBackends returns the accepted audit.backend values.
func ValidAuditBackends() []string { return []string{"jsonl", "sqlite", "none"} }

// Validate returns every invalid setting in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validateProvider()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateBatch()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func nonNegative(field string, v int64) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func oneOf(field, value string, valid []string) []ValidationError {
	if !slices.Contains(valid, value) {
		return []ValidationError{{
			Field:   field,
			Value:   value,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		}}
	}
	return nil
}

func (c *Config) validateLimits() []ValidationError {
	var errs []ValidationError
	errs = append(errs, nonNegative("limits.max_steps_outline", int64(c.Limits.MaxStepsOutline))...)
	errs = append(errs, nonNegative("limits.max_steps_draft", int64(c.Limits.MaxStepsDraft))...)
	errs = append(errs, nonNegative("limits.max_total_duration_ms", c.Limits.MaxTotalDurationMs)...)
	errs = append(errs, nonNegative("limits.max_content_chars", int64(c.Limits.MaxContentChars))...)
	errs = append(errs, nonNegative("limits.max_consecutive_provider_failures", int64(c.Limits.MaxConsecutiveProviderFailures))...)
	return errs
}

func (c *Config) validateProvider() []ValidationError {
	var errs []ValidationError
	errs = append(errs, oneOf("provider.name", c.Provider.Name, ValidProviders())...)
	errs = append(errs, nonNegative("provider.max_retries", int64(c.Provider.MaxRetries))...)
	errs = append(errs, nonNegative("provider.timeout_seconds", int64(c.Provider.TimeoutSeconds))...)
	if u := c.Provider.BaseURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, ValidationError{Field: "provider.base_url", Value: u, Message: "must be an http or https URL"})
	}
	if strings.ContainsAny(c.Provider.APIKeyEnv, " =") {
		errs = append(errs, ValidationError{Field: "provider.api_key_env", Value: c.Provider.APIKeyEnv, Message: "must be an environment variable name"})
	}
	return errs
}

func (c *Config) validateStorage() []ValidationError {
	var errs []ValidationError
	errs = append(errs, oneOf("storage.backend", c.Storage.Backend, ValidStorageBackends())...)
	errs = append(errs, oneOf("audit.backend", c.Audit.Backend, ValidAuditBackends())...)
	return errs
}

func (c *Config) validateBatch() []ValidationError {
	const maxParallelLimit = 32
	if p := c.Batch.MaxParallel; p < 1 || p > maxParallelLimit {
		return []ValidationError{{
			Field:   "batch.max_parallel",
			Value:   p,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallelLimit),
		}}
	}
	return nil
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	errs = append(errs, oneOf("logging.level", strings.ToLower(c.Logging.Level), ValidLogLevels())...)
	errs = append(errs, nonNegative("logging.max_size_mb", int64(c.Logging.MaxSizeMB))...)
	errs = append(errs, nonNegative("logging.max_backups", int64(c.Logging.MaxBackups))...)
	return errs
}
