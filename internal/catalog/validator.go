// Package catalog validates requested model identifiers against the
// engine's live capability catalog.
package catalog

import "context"

// ModelLister fetches the engine's installed-model enumeration.
type ModelLister interface {
	AvailableModels(ctx context.Context) ([]string, error)
}

// Result is the outcome of a validation.
type Result struct {
	// Accepted reports whether the requested model is installed.
	Accepted bool
	// Model is the identifier to submit: the requested one when accepted,
	// the catalog's first entry as a fallback, or the original request
	// when the catalog is empty (the engine will reject it downstream).
	Model string
	// Models is the catalog the decision was made against.
	Models []string
}

// Validator checks model ids against the live catalog. The catalog is
// fetched per call; staleness must never let a nonexistent model through
// silently.
type Validator struct {
	engine ModelLister
}

// NewValidator creates a Validator backed by the given engine client.
func NewValidator(engine ModelLister) *Validator {
	return &Validator{engine: engine}
}

// Validate resolves modelID against the engine's catalog. A transport or
// capability failure is returned to the caller, who decides whether to
// proceed with the unverified model.
func (v *Validator) Validate(ctx context.Context, modelID string) (Result, error) {
	models, err := v.engine.AvailableModels(ctx)
	if err != nil {
		return Result{Model: modelID}, err
	}

	for _, m := range models {
		if m == modelID {
			return Result{Accepted: true, Model: modelID, Models: models}, nil
		}
	}

	res := Result{Accepted: false, Model: modelID, Models: models}
	if len(models) > 0 {
		res.Model = models[0]
	}
	return res, nil
}
