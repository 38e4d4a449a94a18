package moderator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/decision"
	"github.com/triage-ai/palisade/moderation/internal/model"
	"github.com/triage-ai/palisade/moderation/internal/model/modeltest"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"go.uber.org/zap"
)

var testLabels = []string{"product", "spam", "toxic"}

// scriptedModel returns a fixed distribution per text, product 0.9 otherwise.
type scriptedModel struct {
	rows  map[string][]float64
	calls atomic.Int32
}

func (s *scriptedModel) Labels() []string { return testLabels }
func (s *scriptedModel) Version() string  { return "scripted-v1" }

func (s *scriptedModel) PredictProba(_ context.Context, texts []string) ([][]float64, error) {
	s.calls.Add(1)
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if row, ok := s.rows[t]; ok {
			out[i] = row
		} else {
			out[i] = []float64{0.9, 0.05, 0.05}
		}
	}
	return out, nil
}

func newScripted() *scriptedModel {
	return &scriptedModel{rows: map[string][]float64{
		"you idiot":      {0.1, 0.1, 0.8},
		"win a prize":    {0.05, 0.9, 0.05},
		"maybe a phone":  {0.6, 0.3, 0.1},
		"coin flip text": {0.5, 0.5, 0},
	}}
}

// failingStore fails every operation with ErrStorage.
type failingStore struct{}

func (failingStore) fail() error { return fmt.Errorf("%w: disk full", audit.ErrStorage) }

func (f failingStore) Save(context.Context, *audit.PredictionRecord) error { return f.fail() }
func (f failingStore) SaveBatch(context.Context, []*audit.PredictionRecord) error {
	return f.fail()
}
func (f failingStore) Stats(context.Context) (*audit.AggregateStats, error) { return nil, f.fail() }
func (f failingStore) Recent(context.Context, int) ([]*audit.PredictionRecord, error) {
	return nil, f.fail()
}
func (f failingStore) SaveFeedback(context.Context, *audit.FeedbackRecord) error { return f.fail() }
func (f failingStore) RecentFeedback(context.Context, int) ([]*audit.FeedbackRecord, error) {
	return nil, f.fail()
}
func (f failingStore) Ping(context.Context) error { return f.fail() }
func (failingStore) Close() error                 { return nil }

type fixture struct {
	mod    *Moderator
	store  *audit.SQLStore
	events *storage.MemoryWriter
	model  *scriptedModel
}

func newFixture(t *testing.T, m model.Model, cfg Config) *fixture {
	t.Helper()
	clf, err := classifier.New(model.NewHolder(m), classifier.Config{BenignLabel: "product"}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	st, err := audit.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "p.db"), audit.Options{})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	events := &storage.MemoryWriter{}
	mod, err := New(clf, st, events, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sm, _ := m.(*scriptedModel)
	return &fixture{mod: mod, store: st, events: events, model: sm}
}

func TestCheck_AllowsConfidentBenign(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	d, err := f.mod.Check(context.Background(), "Samsung Galaxy S24", Meta{Source: "http", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Label != "product" || !d.Allowed || d.NeedsReview {
		t.Errorf("unexpected decision: %+v", d)
	}
	if d.RecordID == 0 || d.RequestID == "" {
		t.Errorf("record and request ids should be set: %+v", d)
	}
	if d.ModelVersion != "scripted-v1" {
		t.Errorf("model version = %q", d.ModelVersion)
	}

	events := f.events.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.RecordID != d.RecordID || e.RequestID != d.RequestID || e.Route != "predict" || e.ClientID != "c1" {
		t.Errorf("event does not match decision: %+v", e)
	}
}

func TestCheck_BlocksNonBenign(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	d, err := f.mod.Check(context.Background(), "you idiot", Meta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Label != "toxic" || d.Allowed {
		t.Errorf("expected blocked toxic, got %+v", d)
	}
	if d.NeedsReview {
		t.Error("0.8 confidence is above the review threshold")
	}
}

func TestCheck_ReviewIndependentOfAllowed(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	d, err := f.mod.Check(context.Background(), "maybe a phone", Meta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || !d.NeedsReview {
		t.Errorf("0.6 product should be allowed and need review, got %+v", d)
	}
}

func TestCheck_TieGoesToFirstLabel(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	d, err := f.mod.Check(context.Background(), "coin flip text", Meta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Label != "product" || d.Confidence != 0.5 || !d.Allowed {
		t.Errorf("tie should resolve to product/0.5 allowed, got %+v", d)
	}
}

func TestCheck_Validation(t *testing.T) {
	f := newFixture(t, newScripted(), Config{MaxInputLength: 10})

	for _, text := range []string{"", strings.Repeat("a", 11)} {
		_, err := f.mod.Check(context.Background(), text, Meta{})
		if !IsValidation(err) {
			t.Errorf("Check(%d chars) = %v, want ValidationError", len(text), err)
		}
	}
	if f.model.calls.Load() != 0 {
		t.Error("model must not be called for invalid input")
	}
	if _, err := f.mod.Check(context.Background(), strings.Repeat("é", 10), Meta{}); err != nil {
		t.Errorf("10 runes should be accepted: %v", err)
	}
}

func TestCheck_WhitespaceOnlyIsBenign(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	d, err := f.mod.Check(context.Background(), "  \n\t ", Meta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Label != "product" || d.Confidence != 1 || !d.Allowed {
		t.Errorf("whitespace-only should be benign 1.0, got %+v", d)
	}
	if f.model.calls.Load() != 0 {
		t.Error("model must not be called for empty-after-clean text")
	}
}

func TestCheck_DisplayTruncation(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})
	text := strings.Repeat("ü", 300)

	d, err := f.mod.Check(context.Background(), text, Meta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if n := len([]rune(d.Text)); n != 100 {
		t.Errorf("display text = %d runes, want 100", n)
	}

	hist, err := f.mod.History(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(hist[0].Text)); n != 300 {
		t.Errorf("stored text = %d runes, want 300", n)
	}
}

func TestCheck_StorageFailureEmitsNothing(t *testing.T) {
	clf, err := classifier.New(model.NewHolder(newScripted()), classifier.Config{BenignLabel: "product"}, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	events := &storage.MemoryWriter{}
	mod, err := New(clf, failingStore{}, events, Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mod.Check(context.Background(), "hello", Meta{}); !errors.Is(err, audit.ErrStorage) {
		t.Errorf("Check = %v, want ErrStorage", err)
	}
	if _, err := mod.CheckBatch(context.Background(), []string{"a", "b"}, Meta{}); !errors.Is(err, audit.ErrStorage) {
		t.Errorf("CheckBatch = %v, want ErrStorage", err)
	}
	if n := len(events.Events()); n != 0 {
		t.Errorf("expected no events after failed saves, got %d", n)
	}
	if mod.Health(context.Background()).DatabaseConnected {
		t.Error("health should report the database as disconnected")
	}
}

func TestCheckBatch_MatchesSingleChecks(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})
	texts := []string{"you idiot", "Samsung Galaxy", "win a prize", "maybe a phone", " "}

	batch, err := f.mod.CheckBatch(context.Background(), texts, Meta{RequestID: "batch-1"})
	if err != nil {
		t.Fatalf("CheckBatch: %v", err)
	}
	if f.model.calls.Load() != 1 {
		t.Errorf("expected one model call for the batch, got %d", f.model.calls.Load())
	}
	if len(batch) != len(texts) {
		t.Fatalf("len = %d, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		single, err := f.mod.Check(context.Background(), text, Meta{})
		if err != nil {
			t.Fatal(err)
		}
		b := batch[i]
		if b.Label != single.Label || b.Confidence != single.Confidence ||
			b.Allowed != single.Allowed || b.NeedsReview != single.NeedsReview {
			t.Errorf("item %d: batch %+v, single %+v", i, b, single)
		}
		if b.RequestID != "batch-1" {
			t.Errorf("item %d request id = %q", i, b.RequestID)
		}
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].RecordID <= batch[i-1].RecordID {
			t.Errorf("record ids not in input order: %d then %d", batch[i-1].RecordID, batch[i].RecordID)
		}
	}

	stats, err := f.mod.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != int64(2*len(texts)) {
		t.Errorf("total = %d, want %d", stats.Total, 2*len(texts))
	}
}

func TestCheckBatch_UsesBatchPolicy(t *testing.T) {
	strict := 0.95
	f := newFixture(t, newScripted(), Config{
		BatchOverrides: decision.Overrides{ConfidenceThreshold: &strict},
	})

	single, err := f.mod.Check(context.Background(), "Samsung Galaxy", Meta{})
	if err != nil {
		t.Fatal(err)
	}
	batch, err := f.mod.CheckBatch(context.Background(), []string{"Samsung Galaxy"}, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if !single.Allowed {
		t.Error("single check should use the default 0.5 threshold")
	}
	if batch[0].Allowed {
		t.Error("batch check should use the 0.95 override")
	}
	if batch[0].NeedsReview != single.NeedsReview {
		t.Error("review threshold is inherited when not overridden")
	}
}

func TestCheckBatch_SizeValidation(t *testing.T) {
	f := newFixture(t, newScripted(), Config{MaxBatchSize: 3})

	for _, texts := range [][]string{nil, {"a", "b", "c", "d"}, {"ok", ""}} {
		if _, err := f.mod.CheckBatch(context.Background(), texts, Meta{}); !IsValidation(err) {
			t.Errorf("CheckBatch(%q) = %v, want ValidationError", texts, err)
		}
	}
	if f.model.calls.Load() != 0 {
		t.Error("model must not be called for invalid batches")
	}
}

func TestExplain(t *testing.T) {
	f := newFixture(t, modeltest.NewModel(t), Config{ExplainTopN: 3})

	exp, err := f.mod.Explain(context.Background(), "fuck you idiot")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if exp.Label != modeltest.LabelToxic {
		t.Errorf("label = %s, want toxic", exp.Label)
	}
	if len(exp.TopFeatures) != 3 {
		t.Errorf("top features = %d, want 3", len(exp.TopFeatures))
	}
	if len(f.events.Events()) != 0 {
		t.Error("explain must not publish events")
	}
}

func TestExplain_NonLinearModel(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	_, err := f.mod.Explain(context.Background(), "hello")
	if !errors.Is(err, classifier.ErrUnsupportedModel) {
		t.Errorf("Explain = %v, want ErrUnsupportedModel", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})
	d, err := f.mod.Check(context.Background(), "maybe a phone", Meta{})
	if err != nil {
		t.Fatal(err)
	}

	fb, err := f.mod.SubmitFeedback(context.Background(), FeedbackInput{
		PredictionID:   &d.RecordID,
		Text:           "maybe a phone",
		PredictedLabel: "product",
		CorrectLabel:   "spam",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if fb.ID == 0 || fb.CreatedAt.IsZero() {
		t.Errorf("feedback not persisted: %+v", fb)
	}

	hist, err := f.mod.FeedbackHistory(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].CorrectLabel != "spam" {
		t.Errorf("feedback history = %+v", hist)
	}
}

func TestSubmitFeedback_UnknownLabel(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	_, err := f.mod.SubmitFeedback(context.Background(), FeedbackInput{
		Text: "x", PredictedLabel: "product", CorrectLabel: "weather",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "correct_label" {
		t.Errorf("field = %q, want correct_label", ve.Field)
	}
}

func TestHistory_Limits(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})
	texts := make([]string, 100)
	for i := range texts {
		texts[i] = fmt.Sprintf("item %d", i)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.mod.CheckBatch(context.Background(), texts, Meta{}); err != nil {
			t.Fatal(err)
		}
	}

	cases := map[int]int{0: 20, 5: 5, 100: 100, 1000: 100}
	for limit, want := range cases {
		got, err := f.mod.History(context.Background(), limit)
		if err != nil {
			t.Fatalf("History(%d): %v", limit, err)
		}
		if len(got) != want {
			t.Errorf("History(%d) = %d records, want %d", limit, len(got), want)
		}
	}
	if _, err := f.mod.History(context.Background(), -1); !IsValidation(err) {
		t.Errorf("History(-1) = %v, want ValidationError", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})

	h := f.mod.Health(context.Background())
	if !h.ModelLoaded || !h.DatabaseConnected || h.ModelVersion != "scripted-v1" || len(h.Labels) != 3 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestNew_RejectsMismatchedBenignLabel(t *testing.T) {
	clf, err := classifier.New(model.NewHolder(newScripted()), classifier.Config{BenignLabel: "product"}, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Policy.BenignLabel = "spam"
	if _, err := New(clf, failingStore{}, nil, cfg, nil); !errors.Is(err, decision.ErrInvalidPolicy) {
		t.Errorf("New = %v, want ErrInvalidPolicy", err)
	}

	bad := 1.5
	cfg = DefaultConfig()
	cfg.BatchOverrides.ReviewThreshold = &bad
	if _, err := New(clf, failingStore{}, nil, cfg, nil); !errors.Is(err, decision.ErrInvalidPolicy) {
		t.Errorf("New with invalid batch override = %v, want ErrInvalidPolicy", err)
	}
}
