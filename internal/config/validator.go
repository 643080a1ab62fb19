package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "validation.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSlotPolicies returns the list of valid HITL slot policies
func ValidSlotPolicies() []string {
	return []string{SlotPolicyRelease}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateValidation()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateStream()...)
	errors = append(errors, c.validateHITL()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateAPI() []ValidationError {
	var errors []ValidationError

	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "api.base_url",
			Value:   c.API.BaseURL,
			Message: "must be an absolute URL",
		})
	}

	paths := []struct {
		field string
		value string
	}{
		{"api.validate_path", c.API.ValidatePath},
		{"api.answer_path", c.API.AnswerPath},
	}
	for _, p := range paths {
		if !strings.HasPrefix(p.value, "/") {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must start with /",
			})
		}
	}

	if !strings.Contains(c.API.StreamPath, "{session}") {
		errors = append(errors, ValidationError{
			Field:   "api.stream_path",
			Value:   c.API.StreamPath,
			Message: "must contain the {session} placeholder",
		})
	}

	if c.API.RequestTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "api.request_timeout_ms",
			Value:   c.API.RequestTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateValidation() []ValidationError {
	var errors []ValidationError
	v := c.Validation

	if v.Threshold <= 0 || v.Threshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "validation.threshold",
			Value:   v.Threshold,
			Message: "must be in (0, 1]",
		})
	}

	positive := []struct {
		field string
		value int
	}{
		{"validation.max_iterations", v.MaxIterations},
		{"validation.max_parallel", v.MaxParallel},
		{"validation.max_depth", v.MaxDepth},
		{"validation.max_nodes_per_tree", v.MaxNodesPerTree},
	}
	for _, p := range positive {
		if p.value < 1 {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must be at least 1",
			})
		}
	}

	if v.GlobalMaxInFlight < 0 {
		errors = append(errors, ValidationError{
			Field:   "validation.global_max_in_flight",
			Value:   v.GlobalMaxInFlight,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	return errors
}

func (c *Config) validateRetry() []ValidationError {
	return validateBackoff("retry", c.Retry.MaxRetries, c.Retry.InitialDelayMs, c.Retry.MaxDelayMs)
}

func (c *Config) validateStream() []ValidationError {
	return validateBackoff("stream", c.Stream.MaxRetries, c.Stream.InitialDelayMs, c.Stream.MaxDelayMs)
}

func validateBackoff(section string, maxRetries, initialMs, maxMs int) []ValidationError {
	var errors []ValidationError

	if maxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   section + ".max_retries",
			Value:   maxRetries,
			Message: "must be non-negative",
		})
	}
	if initialMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   section + ".initial_delay_ms",
			Value:   initialMs,
			Message: "must be positive",
		})
	}
	if maxMs < initialMs {
		errors = append(errors, ValidationError{
			Field:   section + ".max_delay_ms",
			Value:   maxMs,
			Message: fmt.Sprintf("must be at least initial_delay_ms (%d)", initialMs),
		})
	}

	return errors
}

func (c *Config) validateHITL() []ValidationError {
	if slices.Contains(ValidSlotPolicies(), c.HITL.SlotPolicy) {
		return nil
	}
	return []ValidationError{{
		Field:   "hitl.slot_policy",
		Value:   c.HITL.SlotPolicy,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSlotPolicies(), ", ")),
	}}
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
