package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ArtifactFormat is the format tag written by the training job's exporter.
const ArtifactFormat = "linear-text/v1"

//go:embed artifact.schema.json
var artifactSchemaJSON []byte

// Artifact is the serialized form of a linear text classifier: a TF-IDF
// vectorizer followed by one weight row per label.
type Artifact struct {
	Format     string             `json:"format"`
	Version    string             `json:"version,omitempty"`
	Labels     []string           `json:"labels"`
	Vectorizer VectorizerArtifact `json:"vectorizer"`
	Classifier ClassifierArtifact `json:"classifier"`
}

// VectorizerArtifact holds the fitted vocabulary and idf weights.
type VectorizerArtifact struct {
	Analyzer    string    `json:"analyzer"`
	NgramMin    int       `json:"ngram_min"`
	NgramMax    int       `json:"ngram_max"`
	Lowercase   bool      `json:"lowercase"`
	SublinearTF bool      `json:"sublinear_tf"`
	Norm        string    `json:"norm,omitempty"`
	Features    []string  `json:"features"`
	IDF         []float64 `json:"idf"`
}

// ClassifierArtifact holds the learned weights. A binary classifier carries a
// single coefficient row scoring the second label.
type ClassifierArtifact struct {
	Loss      string      `json:"loss"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
}

var compileArtifactSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(artifactSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("artifact.schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("artifact.schema.json")
})

// ParseArtifact validates raw artifact JSON against the artifact schema and
// decodes it.
func ParseArtifact(data []byte) (*Artifact, error) {
	sch, err := compileArtifactSchema()
	if err != nil {
		return nil, fmt.Errorf("ParseArtifact: compile schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ParseArtifact: %w: %v", ErrInvalidArtifact, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("ParseArtifact: %w: %v", ErrInvalidArtifact, err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("ParseArtifact: %w: %v", ErrInvalidArtifact, err)
	}
	return &a, nil
}

// Encode serializes the artifact as JSON.
func (a *Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}
