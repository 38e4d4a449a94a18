// Package modeltest builds small linear artifacts for tests. The artifacts are
// nearest-centroid classifiers over char_wb TF-IDF features: every seed text is
// classified as its own label with high confidence.
package modeltest

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/triage-ai/palisade/moderation/internal/model"
)

// Sample is one labeled seed text.
type Sample struct {
	Text  string
	Label string
}

// Labels used by DefaultSamples, in sorted order.
const (
	LabelProduct = "product"
	LabelSpam    = "spam"
	LabelToxic   = "toxic"
)

// DefaultSamples returns seeds for a three-label product/spam/toxic model.
func DefaultSamples() []Sample {
	return []Sample{
		{"Samsung Galaxy S24 Ultra 256GB", LabelProduct},
		{"Apple iPhone 15 Pro Max 512GB titanium", LabelProduct},
		{"Sony WH-1000XM5 wireless noise cancelling headphones", LabelProduct},
		{"Dell XPS 13 laptop 16GB RAM 512GB SSD", LabelProduct},
		{"Click here to win a free prize now!!!", LabelSpam},
		{"Earn $5000 per week working from home", LabelSpam},
		{"Cheap pills limited offer buy now", LabelSpam},
		{"Congratulations you won a lottery claim your reward", LabelSpam},
		{"fuck you idiot", LabelToxic},
		{"you are a stupid moron", LabelToxic},
		{"shut up you worthless loser", LabelToxic},
		{"I hate you, you disgusting pig", LabelToxic},
	}
}

const (
	ngramMin = 2
	ngramMax = 5
	scale    = 50.0
)

// NewArtifact fits a centroid artifact over samples. Labels are sorted.
func NewArtifact(samples []Sample) *model.Artifact {
	labelSet := map[string]bool{}
	vocabSet := map[string]bool{}
	for _, s := range samples {
		labelSet[s.Label] = true
		for _, g := range grams(s.Text) {
			vocabSet[g] = true
		}
	}
	labels := sortedKeys(labelSet)
	features := sortedKeys(vocabSet)

	// Smoothed idf: ln((1+n)/(1+df)) + 1.
	df := make([]float64, len(features))
	index := make(map[string]int, len(features))
	for i, f := range features {
		index[f] = i
	}
	for _, s := range samples {
		seen := map[int]bool{}
		for _, g := range grams(s.Text) {
			seen[index[g]] = true
		}
		for i := range seen {
			df[i]++
		}
	}
	n := float64(len(samples))
	idf := make([]float64, len(features))
	for i := range features {
		idf[i] = math.Log((1+n)/(1+df[i])) + 1
	}

	vec, err := model.NewVectorizer(model.VectorizerParams{
		Analyzer:    model.AnalyzerCharWB,
		NgramMin:    ngramMin,
		NgramMax:    ngramMax,
		Lowercase:   true,
		SublinearTF: true,
		Norm:        "l2",
		Features:    features,
		IDF:         idf,
	})
	if err != nil {
		panic(err)
	}

	centroids := make([][]float64, len(labels))
	counts := make([]float64, len(labels))
	for i := range centroids {
		centroids[i] = make([]float64, len(features))
	}
	for _, s := range samples {
		li := sort.SearchStrings(labels, s.Label)
		counts[li]++
		for _, a := range vec.Transform(s.Text) {
			centroids[li][a.Feature] += a.Value
		}
	}
	mean := make([]float64, len(features))
	for li, c := range centroids {
		for j := range c {
			c[j] /= counts[li]
			mean[j] += c[j] / float64(len(labels))
		}
	}

	rows := labels
	if len(labels) == 2 {
		rows = labels[1:]
	}
	coef := make([][]float64, len(rows))
	for k := range rows {
		li := k
		if len(labels) == 2 {
			li = 1
		}
		coef[k] = make([]float64, len(features))
		for j := range features {
			coef[k][j] = scale * (centroids[li][j] - mean[j])
		}
	}

	return &model.Artifact{
		Format:  model.ArtifactFormat,
		Version: "test-centroid",
		Labels:  labels,
		Vectorizer: model.VectorizerArtifact{
			Analyzer:    model.AnalyzerCharWB,
			NgramMin:    ngramMin,
			NgramMax:    ngramMax,
			Lowercase:   true,
			SublinearTF: true,
			Norm:        "l2",
			Features:    features,
			IDF:         idf,
		},
		Classifier: model.ClassifierArtifact{
			Loss:      model.LossModifiedHuber,
			Coef:      coef,
			Intercept: make([]float64, len(rows)),
		},
	}
}

// NewModel returns a LinearModel fitted on DefaultSamples.
func NewModel(t testing.TB) *model.LinearModel {
	t.Helper()
	m, err := model.NewLinear(NewArtifact(DefaultSamples()))
	if err != nil {
		t.Fatalf("modeltest.NewModel: %v", err)
	}
	return m
}

// WriteArtifact writes a to dir/name, zstd-compressing when name ends in .zst,
// and returns the full path.
func WriteArtifact(t testing.TB, dir, name string, a *model.Artifact) string {
	t.Helper()
	data, err := a.Encode()
	if err != nil {
		t.Fatalf("encode artifact: %v", err)
	}
	if strings.HasSuffix(name, ".zst") {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

// grams mirrors the char_wb analyzer used by NewArtifact.
func grams(text string) []string {
	text = strings.ToLower(text)
	var out []string
	for _, w := range strings.Fields(text) {
		padded := []rune(" " + w + " ")
		for n := ngramMin; n <= ngramMax; n++ {
			if len(padded) <= n {
				out = append(out, string(padded))
				break
			}
			for i := 0; i+n <= len(padded); i++ {
				out = append(out, string(padded[i:i+n]))
			}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
