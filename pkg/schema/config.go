package schema

import (
	"bytes"
	"encoding/json"
)

// Per-type step config payloads. Field names are the wire contract a
// builder UI or API client must produce verbatim.

// TriggerConfig gates whether an incoming event starts a run.
type TriggerConfig struct {
	TriggerType string         `json:"triggerType,omitempty"`
	Filters     TriggerFilters `json:"filters,omitempty"`
}

// TriggerFilters are optional allow-lists matched against the event.
// An empty list places no constraint on that dimension.
type TriggerFilters struct {
	FileTypes []string `json:"fileTypes,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// ParseConfig drives AI extraction of structured fields from a document.
type ParseConfig struct {
	Model               string        `json:"model,omitempty"`
	ExtractionSchema    []SchemaField `json:"extractionSchema"`
	ConfidenceThreshold float64       `json:"confidenceThreshold,omitempty"`
	MaskPII             bool          `json:"maskPii,omitempty"`
}

// DefaultConfidenceThreshold applies when a parse step omits confidenceThreshold.
const DefaultConfidenceThreshold = 0.8

// Threshold returns the configured confidence threshold or the default.
func (c *ParseConfig) Threshold() float64 {
	if c.ConfidenceThreshold > 0 {
		return c.ConfidenceThreshold
	}
	return DefaultConfidenceThreshold
}

// SchemaField describes one field the extractor should produce.
type SchemaField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, date, boolean, array
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// DocumentTypeConfig classifies the parsed document.
type DocumentTypeConfig struct {
	Strategy         string             `json:"strategy"` // ai_classification, keyword_matching, both
	MinConfidence    float64            `json:"minConfidence,omitempty"`
	Categories       []DocumentCategory `json:"categories,omitempty"`
	UnknownIsFailure bool               `json:"unknownIsFailure,omitempty"`
}

// DocumentCategory is a candidate document type with keywords for
// the keyword_matching strategy.
type DocumentCategory struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords,omitempty"`
}

// UnknownDocumentType is the sentinel recorded when classification
// confidence falls below the configured minimum.
const UnknownDocumentType = "Unknown"

// ConditionConfig combines field comparisons with a single AND/OR logic.
// Expression is an optional advanced mode evaluated instead of the
// structured conditions when set.
type ConditionConfig struct {
	Conditions []FieldCondition `json:"conditions,omitempty"`
	Logic      string           `json:"logic,omitempty"` // AND (default), OR
	Expression string           `json:"expression,omitempty"`
}

// FieldCondition is one comparison against the execution context.
// Value is ignored for exists / not_exists.
type FieldCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// TransformConfig applies an ordered list of field mappings.
type TransformConfig struct {
	Mapping []FieldMapping `json:"mapping"`
}

// FieldMapping copies sourceField into outputField with an optional transformation.
type FieldMapping struct {
	OutputField    string `json:"outputField"`
	SourceField    string `json:"sourceField"`
	Transformation string `json:"transformation,omitempty"` // none, uppercase, lowercase, trim, format_date, format_phone
}

// APIActionConfig issues a templated HTTP call with bounded retries.
type APIActionConfig struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate string            `json:"bodyTemplate,omitempty"`
	TimeoutMs    int               `json:"timeoutMs,omitempty"`
	RetryConfig  RetryConfig       `json:"retryConfig,omitempty"`
}

// RetryConfig bounds retry behavior for transient API failures.
// Backoff doubles per attempt starting at BackoffMs, capped.
// MaxRetries is a pointer so an explicit 0 (no retries) is
// distinguishable from the field being absent (engine default).
type RetryConfig struct {
	MaxRetries *int `json:"maxRetries,omitempty"`
	BackoffMs  int  `json:"backoffMs,omitempty"`
}

// DelayConfig suspends the run until now + Duration in Unit.
type DelayConfig struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"` // seconds, minutes, hours, days
}

// EndConfig records the final status and optionally notifies.
type EndConfig struct {
	Status             string             `json:"status,omitempty"` // success (default), failure
	NotificationConfig NotificationConfig `json:"notificationConfig,omitempty"`
}

// NotificationConfig dispatches a terminal-step alert.
type NotificationConfig struct {
	SendNotification bool   `json:"sendNotification,omitempty"`
	Channel          string `json:"channel,omitempty"`
	Message          string `json:"message,omitempty"`
}

// DecodeStepConfig decodes a step's raw config into its typed payload.
// Unknown fields and malformed JSON are CONFIG_ERRORs: retrying a
// malformed config can never succeed, so decoding fails loudly.
func DecodeStepConfig(step *Step) (any, error) {
	decode := func(dst any) error {
		if len(step.Config) == 0 {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(step.Config))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return NewErrorf(ErrCodeConfig, "step %s: malformed %s config: %v", step.ID, step.Type, err).
				WithStep(step.ID).WithCause(err)
		}
		return nil
	}

	switch step.Type {
	case StepTypeTrigger:
		cfg := &TriggerConfig{}
		return cfg, decode(cfg)
	case StepTypeParse:
		cfg := &ParseConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		if len(cfg.ExtractionSchema) == 0 {
			return nil, NewErrorf(ErrCodeConfig, "step %s: parse config requires extractionSchema", step.ID).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeDocumentType:
		cfg := &DocumentTypeConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		switch cfg.Strategy {
		case "ai_classification", "keyword_matching", "both":
		default:
			return nil, NewErrorf(ErrCodeConfig, "step %s: unknown classification strategy %q", step.ID, cfg.Strategy).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeCondition:
		cfg := &ConditionConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		if cfg.Logic == "" {
			cfg.Logic = "AND"
		}
		if cfg.Logic != "AND" && cfg.Logic != "OR" {
			return nil, NewErrorf(ErrCodeConfig, "step %s: logic must be AND or OR, got %q", step.ID, cfg.Logic).WithStep(step.ID)
		}
		if len(cfg.Conditions) == 0 && cfg.Expression == "" {
			return nil, NewErrorf(ErrCodeConfig, "step %s: condition config requires conditions or expression", step.ID).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeTransform:
		cfg := &TransformConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		for i, m := range cfg.Mapping {
			if m.OutputField == "" {
				return nil, NewErrorf(ErrCodeConfig, "step %s: mapping[%d] missing outputField", step.ID, i).WithStep(step.ID)
			}
		}
		return cfg, nil
	case StepTypeAPIAction:
		cfg := &APIActionConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, NewErrorf(ErrCodeConfig, "step %s: api_action config requires url", step.ID).WithStep(step.ID)
		}
		if cfg.Method == "" {
			cfg.Method = "GET"
		}
		if cfg.RetryConfig.MaxRetries != nil && *cfg.RetryConfig.MaxRetries < 0 {
			return nil, NewErrorf(ErrCodeConfig, "step %s: maxRetries cannot be negative", step.ID).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeDelay:
		cfg := &DelayConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		if cfg.Duration <= 0 {
			return nil, NewErrorf(ErrCodeConfig, "step %s: delay duration must be positive", step.ID).WithStep(step.ID)
		}
		switch cfg.Unit {
		case "seconds", "minutes", "hours", "days":
		default:
			return nil, NewErrorf(ErrCodeConfig, "step %s: unknown delay unit %q", step.ID, cfg.Unit).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeEnd:
		cfg := &EndConfig{}
		if err := decode(cfg); err != nil {
			return nil, err
		}
		if cfg.Status == "" {
			cfg.Status = "success"
		}
		if cfg.Status != "success" && cfg.Status != "failure" {
			return nil, NewErrorf(ErrCodeConfig, "step %s: end status must be success or failure, got %q", step.ID, cfg.Status).WithStep(step.ID)
		}
		return cfg, nil
	default:
		return nil, NewErrorf(ErrCodeConfig, "step %s has unknown type: %s", step.ID, step.Type).WithStep(step.ID)
	}
}
