package model

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ArtifactVersion is bumped whenever the artifact layout changes incompatibly.
const ArtifactVersion = 1

const kindGradientBoosting = "gradient_boosting"

type artifact struct {
	Version      int               `json:"version"`
	Kind         string            `json:"kind"`
	Features     []string          `json:"features"`
	Scaler       *StandardScaler   `json:"scaler"`
	TrainedYears []int             `json:"trained_years"`
	TrainedAt    time.Time         `json:"trained_at"`
	Model        *GradientBoosting `json:"model"`
}

// Save writes e as a versioned JSON artifact. Feature names, scaler and model
// always travel together.
func Save(w io.Writer, e *Estimator) error {
	gb, ok := e.Model.(*GradientBoosting)
	if !ok {
		return fmt.Errorf("cannot persist model of type %T", e.Model)
	}
	a := artifact{
		Version:      ArtifactVersion,
		Kind:         kindGradientBoosting,
		Features:     e.Features,
		Scaler:       e.Scaler,
		TrainedYears: e.TrainedYears,
		TrainedAt:    e.TrainedAt,
		Model:        gb,
	}
	if err := validateArtifact(&a); err != nil {
		return fmt.Errorf("refusing to save invalid estimator: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(&a)
}

// Load reads an artifact written by Save and checks that its parts agree.
func Load(r io.Reader) (*Estimator, error) {
	var a artifact
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode estimator artifact: %w", err)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d, want %d", a.Version, ArtifactVersion)
	}
	if a.Kind != kindGradientBoosting {
		return nil, fmt.Errorf("unsupported model kind %q", a.Kind)
	}
	if err := validateArtifact(&a); err != nil {
		return nil, err
	}
	return &Estimator{
		Model:        a.Model,
		Features:     a.Features,
		Scaler:       a.Scaler,
		TrainedYears: a.TrainedYears,
		TrainedAt:    a.TrainedAt,
	}, nil
}

func validateArtifact(a *artifact) error {
	if len(a.Features) == 0 {
		return fmt.Errorf("artifact has no feature names")
	}
	seen := make(map[string]struct{}, len(a.Features))
	for _, f := range a.Features {
		if _, dup := seen[f]; dup {
			return fmt.Errorf("artifact repeats feature %q", f)
		}
		seen[f] = struct{}{}
	}
	if a.Scaler == nil {
		return fmt.Errorf("artifact has no scaler")
	}
	if err := a.Scaler.validate(len(a.Features)); err != nil {
		return err
	}
	if a.Model == nil {
		return fmt.Errorf("artifact has no model")
	}
	if a.Model.NumFeatures != len(a.Features) {
		return fmt.Errorf("model expects %d features but artifact names %d", a.Model.NumFeatures, len(a.Features))
	}
	return a.Model.validate()
}
