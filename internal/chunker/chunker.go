// Package chunker implements the Chunker (C3): a pluggable subsystem that
// converts document text plus filename/mime hints into an ordered list of
// non-empty chunk strings, using one of several auto-detected strategies.
//
// The dispatch shape — a Strategy implementing a score-then-chunk pair of
// operations, registered in a fixed-priority table — follows the teacher's
// internal/rag/chunker strategy-switch pattern, generalized from a handful of
// format hints to the nine named strategies in spec.md §4.1.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Metadata carries the hints a request supplies alongside raw text.
type Metadata struct {
	Filename     string
	MimeType     string
	DocumentType string
	Source       string // e.g. "google_reviews"
}

// Config holds the packing parameters for one chunking pass.
type Config struct {
	Max     int // soft max chunk size in characters
	Overlap int // characters of trailing context copied into the next chunk
}

// Strategy is a registered chunking algorithm.
type Strategy interface {
	Name() string
	// DetectApplicability scores how well this strategy fits the given text
	// sample (first ~2000 chars) and metadata, in [0,1].
	DetectApplicability(sample string, meta Metadata) float64
	// Default returns this strategy's default Config.
	Default() Config
	// Chunk splits text into an ordered list of non-empty strings.
	Chunk(text string, cfg Config) ([]string, error)
}

// Request is one chunking call.
type Request struct {
	Text     string
	Meta     Metadata
	Strategy string // fixed strategy name; empty triggers auto-detect
	Overlap  *int   // overrides the chosen strategy's default overlap when set
	Max      *int   // overrides the chosen strategy's default max when set
}

// Result is the outcome of a chunking call, including which strategy ran —
// the spec requires the auto-detected strategy be stored on the Document.
type Result struct {
	Strategy string
	Chunks   []string
	Scores   map[string]float64 // detect_applicability scores, for introspection endpoints
}

const sampleLen = 2000
const detectThreshold = 0.3

// registry is the fixed priority order from spec.md §4.1's table: ties in
// DetectApplicability score are broken by this order.
var registry = []Strategy{
	pagePlusTableAware{},
	semanticSections{},
	conversationTurns{},
	tableAwareStrategy{},
	reviews{},
	menus{},
	legal{},
	administrative{},
	defaultStrategy{},
}

// Strategies lists the registered strategies in priority order, for the
// /strategies/list introspection endpoint.
func Strategies() []Strategy {
	out := make([]Strategy, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the strategy with the given name, or ok=false.
func Lookup(name string) (Strategy, bool) {
	for _, s := range registry {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Detect scores every registered strategy against a text sample and returns
// the per-strategy scores plus the one selected by the spec's selection rule.
func Detect(text string, meta Metadata) (map[string]float64, Strategy) {
	sample := text
	if len(sample) > sampleLen {
		sample = sample[:sampleLen]
	}
	scores := make(map[string]float64, len(registry))
	var best Strategy
	bestScore := -1.0
	for _, s := range registry {
		sc := s.DetectApplicability(sample, meta)
		scores[s.Name()] = sc
		if sc > bestScore {
			bestScore = sc
			best = s
		}
	}
	if bestScore < detectThreshold {
		best, _ = Lookup("default")
	}
	return scores, best
}

// Chunk runs the full pipeline: strategy selection (fixed or auto-detected),
// edge-case handling for empty input, and oversized-paragraph splitting.
func Chunk(req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{Strategy: req.Strategy}, nil
	}

	var strat Strategy
	var scores map[string]float64
	if req.Strategy != "" {
		s, ok := Lookup(req.Strategy)
		if !ok {
			s, _ = Lookup("default")
		}
		strat = s
	} else {
		scores, strat = Detect(req.Text, req.Meta)
	}

	cfg := strat.Default()
	if req.Max != nil {
		cfg.Max = *req.Max
	}
	if req.Overlap != nil {
		cfg.Overlap = *req.Overlap
	}

	chunks, err := strat.Chunk(req.Text, cfg)
	if err != nil {
		return Result{}, err
	}
	chunks = splitOversized(chunks, cfg.Max)
	return Result{Strategy: strat.Name(), Chunks: chunks, Scores: scores}, nil
}

// --- shared packing / splitting helpers ---

var sentenceBoundary = regexp.MustCompile(`[.!?][\s]+`)

// splitOversized enforces the spec's edge case: a single paragraph longer
// than max is split at sentence boundaries, and if still too long, at the
// max-th byte boundary (UTF-8 safe).
func splitOversized(chunks []string, max int) []string {
	if max <= 0 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(c) <= max {
			out = append(out, c)
			continue
		}
		out = append(out, splitLongText(c, max)...)
	}
	return out
}

func splitLongText(text string, max int) []string {
	var out []string
	for len(text) > max {
		locs := sentenceBoundary.FindAllStringIndex(text[:min(len(text), max*2)], -1)
		cut := -1
		for _, loc := range locs {
			if loc[1] <= max {
				cut = loc[1]
			}
		}
		if cut <= 0 {
			cut = utf8SafeCut(text, max)
		}
		piece := strings.TrimSpace(text[:cut])
		if piece != "" {
			out = append(out, piece)
		}
		text = text[cut:]
	}
	if s := strings.TrimSpace(text); s != "" {
		out = append(out, s)
	}
	return out
}

// utf8SafeCut returns the largest byte offset <= max that does not split a
// UTF-8 rune in the middle.
func utf8SafeCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// paragraphs splits text on blank lines, trimming and dropping empties.
func paragraphs(text string) []string {
	raw := regexp.MustCompile(`\n\s*\n`).Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pack greedily packs atoms (paragraphs, lines, turns, …) up to cfg.Max
// characters per chunk, joining with a blank line, and carries cfg.Overlap
// trailing characters from the end of a chunk into the next one.
func pack(atoms []string, cfg Config) []string {
	var out []string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
	}
	for _, a := range atoms {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+2+len(a) > cfg.Max {
			prev := buf.String()
			flush()
			if cfg.Overlap > 0 && len(prev) > 0 {
				tail := prev
				if len(tail) > cfg.Overlap {
					tail = tail[len(tail)-cfg.Overlap:]
				}
				buf.WriteString(tail)
				buf.WriteString("\n\n")
			}
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(a)
	}
	flush()
	return out
}

// atomicChunks emits each atom as its own chunk, applying an optional fixed
// prefix and merging adjacent short ones up to cfg.Max when merge is true.
func atomicChunks(atoms []string, cfg Config, prefix string, merge bool) []string {
	var out []string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, withPrefix(s, prefix))
		}
		buf.Reset()
	}
	for _, a := range atoms {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !merge {
			out = append(out, withPrefix(a, prefix))
			continue
		}
		if buf.Len() > 0 && buf.Len()+2+len(a) > cfg.Max {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(a)
	}
	flush()
	return out
}

func withPrefix(s, prefix string) string {
	if prefix == "" {
		return s
	}
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + "\n" + s
}
