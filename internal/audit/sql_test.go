package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/moderation/internal/metrics"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*SQLStore, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "nested", "predictions.db")
	s, err := Open(context.Background(), dsn, Options{Sink: rec, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func save(t *testing.T, s *SQLStore, text, label string, conf float64, allowed bool) *PredictionRecord {
	t.Helper()
	r := &PredictionRecord{Text: text, Label: label, Confidence: conf, Allowed: allowed, NeedsReview: conf < 0.7}
	if err := s.Save(context.Background(), r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return r
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		dsn     string
		dialect Dialect
		target  string
	}{
		{"sqlite://data/predictions.db", DialectSQLite, "data/predictions.db"},
		{"sqlite:///var/lib/p.db", DialectSQLite, "/var/lib/p.db"},
		{"sqlite:p.db", DialectSQLite, "p.db"},
		{"data/predictions.db", DialectSQLite, "data/predictions.db"},
		{"postgres://u:p@localhost/db", DialectPostgres, "postgres://u:p@localhost/db"},
		{"postgresql://u:p@localhost/db", DialectPostgres, "postgresql://u:p@localhost/db"},
	}
	for _, c := range cases {
		d, target, err := ParseDSN(c.dsn)
		if err != nil {
			t.Errorf("ParseDSN(%q): %v", c.dsn, err)
			continue
		}
		if d != c.dialect || target != c.target {
			t.Errorf("ParseDSN(%q) = %s %q, want %s %q", c.dsn, d, target, c.dialect, c.target)
		}
	}
	for _, bad := range []string{"", "mysql://x"} {
		if _, _, err := ParseDSN(bad); !errors.Is(err, ErrInvalidDSN) {
			t.Errorf("ParseDSN(%q) = %v, want ErrInvalidDSN", bad, err)
		}
	}
}

func TestSave_FillsIDAndTimestamp(t *testing.T) {
	s, rec := newTestStore(t)
	r := save(t, s, "Samsung Galaxy S24", "product", 0.92, true)

	if r.ID == 0 {
		t.Error("expected ID to be set")
	}
	if r.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if rec.Predictions("product", true) != 1 {
		t.Errorf("expected one recorded prediction, got %d", rec.Predictions("product", true))
	}
}

func TestStats_CountsByLabel(t *testing.T) {
	s, _ := newTestStore(t)
	save(t, s, "phone", "product", 0.9, true)
	save(t, s, "idiot", "toxic", 0.95, false)
	save(t, s, "cheap", "product", 0.4, false)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Allowed != 1 || stats.Blocked != 2 {
		t.Errorf("stats = %+v, want total=3 allowed=1 blocked=2", stats)
	}
	if stats.ByLabel["product"] != 2 || stats.ByLabel["toxic"] != 1 {
		t.Errorf("by_label = %v", stats.ByLabel)
	}
	if stats.NeedsReview != 1 {
		t.Errorf("needs_review = %d, want 1", stats.NeedsReview)
	}
}

func TestStats_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.Allowed != 0 || stats.Blocked != 0 || len(stats.ByLabel) != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
	if stats.ByLabel == nil {
		t.Error("ByLabel should be non-nil for JSON")
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		save(t, s, fmt.Sprintf("text %d", i), "product", 0.9, true)
	}

	got, err := s.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Text != "text 4" || got[2].Text != "text 2" {
		t.Errorf("unexpected order: %q, %q, %q", got[0].Text, got[1].Text, got[2].Text)
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID >= got[i-1].ID {
			t.Errorf("ids not descending: %d then %d", got[i-1].ID, got[i].ID)
		}
	}
	if !got[0].Allowed || got[0].Label != "product" || got[0].CreatedAt.IsZero() {
		t.Errorf("fields not round-tripped: %+v", got[0])
	}
}

func TestRecent_CeilingAndNonPositive(t *testing.T) {
	s, _ := newTestStore(t)
	batch := make([]*PredictionRecord, 120)
	for i := range batch {
		batch[i] = &PredictionRecord{Text: fmt.Sprint(i), Label: "spam", Confidence: 0.8}
	}
	if err := s.SaveBatch(context.Background(), batch); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	got, err := s.Recent(context.Background(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultMaxRecent {
		t.Errorf("len = %d, want ceiling %d", len(got), DefaultMaxRecent)
	}

	for _, limit := range []int{0, -5} {
		got, err := s.Recent(context.Background(), limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("Recent(%d) returned %d records", limit, len(got))
		}
	}
}

func TestSave_TruncatesText(t *testing.T) {
	s, _ := newTestStore(t)
	long := strings.Repeat("é", 600)
	save(t, s, long, "spam", 0.9, false)

	got, err := s.Recent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(got[0].Text)); n != DefaultMaxTextLength {
		t.Errorf("stored %d runes, want %d", n, DefaultMaxTextLength)
	}
}

func TestSave_CustomTextLimit(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "p.db")
	s, err := Open(context.Background(), dsn, Options{MaxTextLength: 10})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	r := &PredictionRecord{Text: "0123456789abcdef", Label: "product", Confidence: 1, Allowed: true}
	if err := s.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if r.Text != "0123456789" {
		t.Errorf("record text = %q", r.Text)
	}
}

func TestSaveBatch_AllOrNothing(t *testing.T) {
	s, rec := newTestStore(t)
	recs := []*PredictionRecord{
		{Text: "a", Label: "product", Confidence: 0.9, Allowed: true},
		{Text: "b", Label: "toxic", Confidence: 0.8},
	}
	if err := s.SaveBatch(context.Background(), recs); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if recs[0].ID == 0 || recs[1].ID <= recs[0].ID {
		t.Errorf("ids not assigned in order: %d, %d", recs[0].ID, recs[1].ID)
	}
	if rec.TotalPredictions() != 2 {
		t.Errorf("recorded %d predictions, want 2", rec.TotalPredictions())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveBatch(ctx, []*PredictionRecord{{Text: "c", Label: "spam"}}); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage on canceled context, got %v", err)
	}
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("failed batch must not persist anything, total = %d", stats.Total)
	}
	if rec.TotalPredictions() != 2 {
		t.Errorf("failed batch must not be counted, recorded %d", rec.TotalPredictions())
	}
}

func TestSave_ConcurrentWritersKeepStatsConsistent(t *testing.T) {
	s, _ := newTestStore(t)
	const writers, each = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				r := &PredictionRecord{
					Text:       fmt.Sprintf("w%d-%d", w, i),
					Label:      []string{"product", "spam", "toxic"}[i%3],
					Confidence: 0.9,
					Allowed:    i%3 == 0,
				}
				if err := s.Save(context.Background(), r); err != nil {
					errs <- err
				}
				if _, err := s.Stats(context.Background()); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != writers*each {
		t.Errorf("total = %d, want %d", stats.Total, writers*each)
	}
	if stats.Allowed+stats.Blocked != stats.Total {
		t.Errorf("allowed+blocked = %d, total = %d", stats.Allowed+stats.Blocked, stats.Total)
	}
	var sum int64
	for _, c := range stats.ByLabel {
		sum += c
	}
	if sum != stats.Total {
		t.Errorf("sum(by_label) = %d, total = %d", sum, stats.Total)
	}
}

func TestFeedback_RoundTrip(t *testing.T) {
	s, rec := newTestStore(t)
	pred := save(t, s, "buy cheap pills", "product", 0.55, true)

	fb := &FeedbackRecord{
		PredictionID:   &pred.ID,
		Text:           "buy cheap pills",
		PredictedLabel: "product",
		CorrectLabel:   "spam",
	}
	if err := s.SaveFeedback(context.Background(), fb); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}
	if err := s.SaveFeedback(context.Background(), &FeedbackRecord{
		Text: "ok", PredictedLabel: "toxic", CorrectLabel: "product",
	}); err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}

	got, err := s.RecentFeedback(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentFeedback: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].PredictionID != nil {
		t.Error("newest feedback has no prediction id")
	}
	if got[1].PredictionID == nil || *got[1].PredictionID != pred.ID {
		t.Errorf("prediction id = %v, want %d", got[1].PredictionID, pred.ID)
	}
	if got[1].CorrectLabel != "spam" {
		t.Errorf("correct label = %q", got[1].CorrectLabel)
	}
	if rec.Feedback("product", "spam") != 1 {
		t.Error("feedback not recorded in metrics")
	}
}

func TestFeedback_FreshStoreHasTable(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.RecentFeedback(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentFeedback on fresh store: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no feedback, got %d", len(got))
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "p.db")
	s, err := Open(context.Background(), dsn, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), &PredictionRecord{Text: "x", Label: "product", Confidence: 1, Allowed: true}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s2, err := Open(context.Background(), dsn, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	stats, err := s2.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("total after reopen = %d, want 1", stats.Total)
	}
}

func TestClosedStore_SurfacesStorageError(t *testing.T) {
	s, rec := newTestStore(t)
	_ = s.Close()

	err := s.Save(context.Background(), &PredictionRecord{Text: "x", Label: "product"})
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Save on closed store = %v, want ErrStorage", err)
	}
	if _, err := s.Stats(context.Background()); !errors.Is(err, ErrStorage) {
		t.Errorf("Stats on closed store = %v, want ErrStorage", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStorage) {
		t.Errorf("Ping on closed store = %v, want ErrStorage", err)
	}
	if rec.Failures("save") != 1 || rec.Failures("stats") != 1 {
		t.Errorf("failures = save:%d stats:%d", rec.Failures("save"), rec.Failures("stats"))
	}
	if rec.TotalPredictions() != 0 {
		t.Error("failed save must not be counted")
	}
}

func TestTruncateText(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"日本語テキスト", 3, "日本語"},
		{"abc", 0, "abc"},
	}
	for _, c := range cases {
		if got := TruncateText(c.in, c.max); got != c.want {
			t.Errorf("TruncateText(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	if got := s.rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Errorf("rebind = %q", got)
	}
	s.dialect = DialectSQLite
	if got := s.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}
