package classify

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
)

// Category identifies the broad failure family a raw error belongs to.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryAuthentication    Category = "authentication"
	CategoryPermission        Category = "permission"
	CategoryResource          Category = "resource"
	CategoryTimeout           Category = "timeout"
	CategoryParsing           Category = "parsing"
	CategoryValidation        Category = "validation"
	CategoryConfiguration     Category = "configuration"
	CategoryAutomationBackend Category = "automation_backend"
	CategorySystem            Category = "system"
	CategoryUnknown           Category = "unknown"
)

// Severity grades how serious a classified failure is for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the operator-facing summary of one raw failure.
type Classification struct {
	Category     Category
	Severity     Severity
	Retryable    bool
	UserMessage  string
	RecoveryHint string
}

// Rule maps error text containing any of its patterns to a classification.
// Matching is case-insensitive substring matching, first rule wins.
type Rule struct {
	Patterns     []string
	Category     Category
	Severity     Severity
	Retryable    bool
	UserMessage  string
	RecoveryHint string
}

func (r Rule) matches(text string) bool {
	for _, p := range r.Patterns {
		if strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Observer receives every classification as it happens, for metrics or
// logging. Panics inside an observer are swallowed and logged, never
// propagated to the worker that hit the error.
type Observer func(err error, c Classification)

// Classifier turns raw errors into classifications by evaluating custom
// rules first, then the built-in rule set, then an Unknown fallback.
type Classifier struct {
	customRules []Rule
	builtins    []Rule
	observers   []Observer
}

// NewClassifier creates a classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{builtins: builtinRules()}
}

// AddRule appends a custom rule, evaluated before all built-in rules and
// before previously added custom rules' successors (insertion order).
func (c *Classifier) AddRule(r Rule) {
	c.customRules = append(c.customRules, r)
}

// AddObserver registers a callback invoked on every classification.
func (c *Classifier) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Classify maps a raw error to its classification and notifies observers.
// A nil error classifies as Unknown with an empty message.
func (c *Classifier) Classify(err error) Classification {
	result := c.classify(err)
	for _, o := range c.observers {
		c.notify(o, err, result)
	}
	return result
}

func (c *Classifier) classify(err error) Classification {
	if err == nil {
		return Classification{
			Category:  CategoryUnknown,
			Severity:  SeverityMedium,
			Retryable: true,
		}
	}

	// Typed sentinels first, they are cheaper and more precise than text.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{
			Category:     CategoryTimeout,
			Severity:     SeverityMedium,
			Retryable:    true,
			UserMessage:  "The operation timed out",
			RecoveryHint: "Retry, or raise the task timeout if this recurs",
		}
	case errors.Is(err, os.ErrPermission):
		return Classification{
			Category:     CategoryPermission,
			Severity:     SeverityHigh,
			Retryable:    false,
			UserMessage:  "Permission was denied",
			RecoveryHint: "Check filesystem and account permissions",
		}
	}

	text := strings.ToLower(err.Error())

	for _, r := range c.customRules {
		if r.matches(text) {
			return toClassification(r)
		}
	}
	for _, r := range c.builtins {
		if r.matches(text) {
			return toClassification(r)
		}
	}

	return Classification{
		Category:     CategoryUnknown,
		Severity:     SeverityMedium,
		Retryable:    true,
		UserMessage:  "An unexpected error occurred",
		RecoveryHint: "Retry; report the raw error if it persists",
	}
}

func (c *Classifier) notify(o Observer, err error, result Classification) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: classification observer panicked: %v", r)
		}
	}()
	o(err, result)
}

func toClassification(r Rule) Classification {
	return Classification{
		Category:     r.Category,
		Severity:     r.Severity,
		Retryable:    r.Retryable,
		UserMessage:  r.UserMessage,
		RecoveryHint: r.RecoveryHint,
	}
}

// builtinRules returns the ordered built-in rule set. Order matters: the
// more specific families (timeout, auth) sit above the generic system rule.
func builtinRules() []Rule {
	return []Rule{
		{
			Patterns:     []string{"timeout", "timed out", "deadline exceeded"},
			Category:     CategoryTimeout,
			Severity:     SeverityMedium,
			Retryable:    true,
			UserMessage:  "The operation timed out",
			RecoveryHint: "Retry, or raise the task timeout if this recurs",
		},
		{
			Patterns:     []string{"connection refused", "connection reset", "no such host", "network is unreachable", "dns", "tls handshake", "eof"},
			Category:     CategoryNetwork,
			Severity:     SeverityMedium,
			Retryable:    true,
			UserMessage:  "A network error occurred while contacting the portal",
			RecoveryHint: "Check connectivity; transient failures retry automatically",
		},
		{
			Patterns:     []string{"unauthorized", "401", "invalid credentials", "login failed", "session expired", "authentication"},
			Category:     CategoryAuthentication,
			Severity:     SeverityHigh,
			Retryable:    false,
			UserMessage:  "Authentication with the portal failed",
			RecoveryHint: "Verify the stored portal credentials",
		},
		{
			Patterns:     []string{"forbidden", "403", "permission denied", "access denied", "not authorized"},
			Category:     CategoryPermission,
			Severity:     SeverityHigh,
			Retryable:    false,
			UserMessage:  "Permission was denied",
			RecoveryHint: "Check the account's access to this purchase order",
		},
		{
			Patterns:     []string{"disk full", "no space left", "quota exceeded", "resource limit", "too many open files", "out of memory"},
			Category:     CategoryResource,
			Severity:     SeverityCritical,
			Retryable:    false,
			UserMessage:  "A resource limit was exceeded",
			RecoveryHint: "Free disk space or raise the configured limits",
		},
		{
			Patterns:     []string{"parse", "unmarshal", "invalid json", "unexpected token", "malformed"},
			Category:     CategoryParsing,
			Severity:     SeverityMedium,
			Retryable:    false,
			UserMessage:  "A response could not be parsed",
			RecoveryHint: "The portal may have changed its format; report this",
		},
		{
			Patterns:     []string{"validation", "invalid payload", "missing required", "must not be empty"},
			Category:     CategoryValidation,
			Severity:     SeverityLow,
			Retryable:    false,
			UserMessage:  "The job payload failed validation",
			RecoveryHint: "Fix the submitted job data and resubmit",
		},
		{
			Patterns:     []string{"configuration", "config", "not configured", "misconfigured"},
			Category:     CategoryConfiguration,
			Severity:     SeverityHigh,
			Retryable:    false,
			UserMessage:  "The engine is misconfigured",
			RecoveryHint: "Review the configuration options",
		},
		{
			Patterns:     []string{"browser", "session crashed", "automation", "driver", "chrome", "page crash"},
			Category:     CategoryAutomationBackend,
			Severity:     SeverityHigh,
			Retryable:    true,
			UserMessage:  "The automation session failed",
			RecoveryHint: "The worker restarts its session automatically",
		},
		{
			Patterns:     []string{"system", "internal error", "panic", "runtime error"},
			Category:     CategorySystem,
			Severity:     SeverityCritical,
			Retryable:    true,
			UserMessage:  "An internal system error occurred",
			RecoveryHint: "Retry; inspect the logs if it persists",
		},
	}
}
