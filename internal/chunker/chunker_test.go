package chunker

import (
	"strings"
	"testing"
)

func TestChunkEmptyText(t *testing.T) {
	res, err := Chunk(Request{Text: "   \n\t  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("expected zero chunks for blank input, got %d", len(res.Chunks))
	}
}

func TestChunkDefaultFallback(t *testing.T) {
	res, err := Chunk(Request{Text: "Just a short plain paragraph with nothing special about it."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != "default" {
		t.Errorf("expected default strategy, got %q", res.Strategy)
	}
	if len(res.Chunks) == 0 {
		t.Error("expected at least one chunk")
	}
}

func TestDetectReviews(t *testing.T) {
	text := "Review by Jan:\nRating: 5/5\nGreat!\n\nReview by Marie:\nRating: 3/5\nOk.\n\nReview by Piet:\nRating: 4/5\nGood."
	res, err := Chunk(Request{Text: text, Meta: Metadata{Filename: "reviews_r1.txt"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != "reviews" {
		t.Fatalf("expected reviews strategy, got %q", res.Strategy)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("expected 3 review chunks, got %d: %v", len(res.Chunks), res.Chunks)
	}
	for _, c := range res.Chunks {
		if !strings.HasPrefix(c, "[REVIEW]") {
			t.Errorf("expected chunk to start with [REVIEW], got %q", c)
		}
	}
}

func TestDetectLegalArticles(t *testing.T) {
	text := "Artikel 1\nFirst provision text.\n\nArtikel 2\nSecond provision text.\n\nArtikel 3\nThird provision text."
	res, err := Chunk(Request{Text: text})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != "legal" {
		t.Fatalf("expected legal strategy, got %q", res.Strategy)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("expected 3 article chunks, got %d", len(res.Chunks))
	}
}

func TestFixedStrategyOverridesDetection(t *testing.T) {
	res, err := Chunk(Request{Text: "Review by Jan:\nRating: 5/5\nGreat!", Strategy: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != "default" {
		t.Errorf("expected requested strategy to override detection, got %q", res.Strategy)
	}
}

func TestOversizedParagraphSplitsAtSentenceBoundary(t *testing.T) {
	sentence := "This is one sentence. "
	long := strings.Repeat(sentence, 100)
	res, err := Chunk(Request{Text: long, Strategy: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range res.Chunks {
		if len(c) > 800*2 {
			t.Errorf("chunk exceeds a reasonable multiple of max: %d bytes", len(c))
		}
		if !strings.HasSuffix(c, ".") {
			t.Errorf("expected chunk to end at a sentence boundary, got %q", c)
		}
	}
	if len(res.Chunks) < 2 {
		t.Errorf("expected the oversized paragraph to split into multiple chunks, got %d", len(res.Chunks))
	}
}

func TestOversizedParagraphFallsBackToByteBoundary(t *testing.T) {
	// No sentence punctuation at all: must fall back to a UTF-8 safe byte cut.
	long := strings.Repeat("wordwithoutsentenceboundaries ", 200)
	res, err := Chunk(Request{Text: long, Strategy: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks from fallback byte-cut splitting")
	}
}

// TestRoundtripCoverageNoOverlap is the P7 property: concatenating raw chunk texts in
// order, ignoring overlap, covers every non-whitespace character of the
// input at least once, for a non-overlap strategy.
func TestRoundtripCoverageNoOverlap(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph follows with more words.\n\nThird and final paragraph."
	res, err := Chunk(Request{Text: text, Strategy: "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(res.Chunks, "")
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		if !strings.ContainsRune(joined, r) {
			t.Fatalf("character %q from input missing in reconstructed chunks", r)
		}
	}
}

func TestPageMarkersNeverSplitAcross(t *testing.T) {
	text := "[PAGE 1]\nContent of page one.\n[PAGE 2]\nContent of page two."
	res, err := Chunk(Request{Text: text, Meta: Metadata{MimeType: "application/pdf"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != "page_plus_table_aware" {
		t.Fatalf("expected page_plus_table_aware, got %q", res.Strategy)
	}
	for _, c := range res.Chunks {
		if strings.Contains(c, "page one") && strings.Contains(c, "page two") {
			t.Error("chunk spans both pages, violating the never-split-across-pages rule")
		}
	}
}

func TestDetectScoresAllStrategies(t *testing.T) {
	scores, best := Detect("plain text with nothing distinctive at all", Metadata{})
	if len(scores) != len(Strategies()) {
		t.Errorf("expected a score per registered strategy, got %d", len(scores))
	}
	if best.Name() != "default" {
		t.Errorf("expected low-signal text to fall back to default, got %q", best.Name())
	}
}
