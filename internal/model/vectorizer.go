package model

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Analyzer names accepted in artifacts. They follow the scikit-learn
// TfidfVectorizer analyzers the training job exports.
const (
	AnalyzerCharWB = "char_wb"
	AnalyzerChar   = "char"
	AnalyzerWord   = "word"
)

var (
	whitespaceRun = regexp.MustCompile(`\s\s+`)
	wordToken     = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)
)

// Vectorizer turns a text into a TF-IDF weighted, optionally L2-normalized,
// sparse vector over a fixed n-gram vocabulary.
type Vectorizer struct {
	analyzer    string
	ngramMin    int
	ngramMax    int
	lowercase   bool
	sublinearTF bool
	l2          bool
	features    []string
	index       map[string]int
	idf         []float64
}

// VectorizerParams configures a Vectorizer.
type VectorizerParams struct {
	Analyzer    string
	NgramMin    int
	NgramMax    int
	Lowercase   bool
	SublinearTF bool
	Norm        string // "l2" or "none"
	Features    []string
	IDF         []float64
}

// NewVectorizer validates params and builds the vocabulary index.
func NewVectorizer(p VectorizerParams) (*Vectorizer, error) {
	switch p.Analyzer {
	case AnalyzerCharWB, AnalyzerChar, AnalyzerWord:
	default:
		return nil, fmt.Errorf("NewVectorizer: %w: unknown analyzer %q", ErrInvalidArtifact, p.Analyzer)
	}
	if p.NgramMin < 1 || p.NgramMax < p.NgramMin {
		return nil, fmt.Errorf("NewVectorizer: %w: ngram range [%d,%d]", ErrInvalidArtifact, p.NgramMin, p.NgramMax)
	}
	if len(p.Features) == 0 {
		return nil, fmt.Errorf("NewVectorizer: %w: empty vocabulary", ErrInvalidArtifact)
	}
	if len(p.IDF) != len(p.Features) {
		return nil, fmt.Errorf("NewVectorizer: %w: %d idf weights for %d features",
			ErrInvalidArtifact, len(p.IDF), len(p.Features))
	}
	if p.Norm != "" && p.Norm != "l2" && p.Norm != "none" {
		return nil, fmt.Errorf("NewVectorizer: %w: unknown norm %q", ErrInvalidArtifact, p.Norm)
	}

	index := make(map[string]int, len(p.Features))
	for i, f := range p.Features {
		if _, dup := index[f]; dup {
			return nil, fmt.Errorf("NewVectorizer: %w: duplicate feature %q", ErrInvalidArtifact, f)
		}
		index[f] = i
	}

	return &Vectorizer{
		analyzer:    p.Analyzer,
		ngramMin:    p.NgramMin,
		ngramMax:    p.NgramMax,
		lowercase:   p.Lowercase,
		sublinearTF: p.SublinearTF,
		l2:          p.Norm != "none",
		features:    p.Features,
		index:       index,
		idf:         p.IDF,
	}, nil
}

// NumFeatures returns the vocabulary size.
func (v *Vectorizer) NumFeatures() int { return len(v.features) }

// FeatureName returns the vocabulary entry for feature i.
func (v *Vectorizer) FeatureName(i int) string {
	if i < 0 || i >= len(v.features) {
		return ""
	}
	return v.features[i]
}

// Transform returns the nonzero entries of the TF-IDF vector for text,
// ordered by feature index. N-grams outside the vocabulary are ignored.
func (v *Vectorizer) Transform(text string) []Activation {
	if v.lowercase {
		text = strings.ToLower(text)
	}

	counts := make(map[int]float64)
	for _, g := range v.ngrams(text) {
		if i, ok := v.index[g]; ok {
			counts[i]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	out := make([]Activation, 0, len(counts))
	for i, tf := range counts {
		if v.sublinearTF {
			tf = 1 + math.Log(tf)
		}
		out = append(out, Activation{Feature: i, Value: tf * v.idf[i]})
	}
	// The norm is summed in feature order so the result is bit-identical
	// across calls.
	sort.Slice(out, func(a, b int) bool { return out[a].Feature < out[b].Feature })

	if v.l2 {
		var sumSq float64
		for _, a := range out {
			sumSq += a.Value * a.Value
		}
		if sumSq > 0 {
			norm := math.Sqrt(sumSq)
			for i := range out {
				out[i].Value /= norm
			}
		}
	}
	return out
}

func (v *Vectorizer) ngrams(text string) []string {
	switch v.analyzer {
	case AnalyzerChar:
		return charNgrams(text, v.ngramMin, v.ngramMax)
	case AnalyzerWord:
		return wordNgrams(text, v.ngramMin, v.ngramMax)
	default:
		return charWBNgrams(text, v.ngramMin, v.ngramMax)
	}
}

// charWBNgrams builds character n-grams only from text inside word boundaries.
// Each word is padded with one space on both sides. A word shorter than n
// contributes itself once and stops the scan for larger n.
func charWBNgrams(text string, minN, maxN int) []string {
	text = whitespaceRun.ReplaceAllString(text, " ")
	var grams []string
	for _, w := range strings.Fields(text) {
		padded := []rune(" " + w + " ")
		for n := minN; n <= maxN; n++ {
			offset := 0
			grams = append(grams, string(padded[offset:min(offset+n, len(padded))]))
			for offset+n < len(padded) {
				offset++
				grams = append(grams, string(padded[offset:offset+n]))
			}
			if offset == 0 {
				break
			}
		}
	}
	return grams
}

func charNgrams(text string, minN, maxN int) []string {
	runes := []rune(whitespaceRun.ReplaceAllString(text, " "))
	var grams []string
	for n := minN; n <= min(maxN, len(runes)); n++ {
		for i := 0; i+n <= len(runes); i++ {
			grams = append(grams, string(runes[i:i+n]))
		}
	}
	return grams
}

func wordNgrams(text string, minN, maxN int) []string {
	tokens := wordToken.FindAllString(text, -1)
	var grams []string
	for n := minN; n <= min(maxN, len(tokens)); n++ {
		for i := 0; i+n <= len(tokens); i++ {
			grams = append(grams, strings.Join(tokens[i:i+n], " "))
		}
	}
	return grams
}
