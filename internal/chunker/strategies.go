package chunker

import (
	"regexp"
	"strings"
)

// --- page_plus_table_aware ---

var pageMarkerRe = regexp.MustCompile(`(?m)^\[PAGE \d+\]\s*$`)
var tableLineRe = regexp.MustCompile(`(?m)^.*(\t.*\t.*|\|.*\|.*\|).*$`)

type pagePlusTableAware struct{}

func (pagePlusTableAware) Name() string { return "page_plus_table_aware" }
func (pagePlusTableAware) Default() Config {
	return Config{Max: 1500, Overlap: 200}
}

func (pagePlusTableAware) DetectApplicability(sample string, meta Metadata) float64 {
	score := 0.0
	if pageMarkerRe.MatchString(sample) {
		score += 0.9
	}
	if meta.MimeType == "application/pdf" {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (s pagePlusTableAware) Chunk(text string, cfg Config) ([]string, error) {
	pages := splitOnMarker(text, pageMarkerRe)
	var out []string
	for _, page := range pages {
		atoms := tableAwareAtoms(page)
		out = append(out, pack(atoms, cfg)...)
	}
	return out, nil
}

// splitOnMarker splits text at lines matching re, never merging content from
// different sides of a marker into one packed chunk.
func splitOnMarker(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			out = append(out, text[prev:loc[0]])
		}
		prev = loc[1]
	}
	if prev < len(text) {
		out = append(out, text[prev:])
	}
	return out
}

// tableAwareAtoms splits a block into paragraph atoms, keeping pipe/tab
// table lines as their own atomic (un-split) units.
func tableAwareAtoms(block string) []string {
	lines := strings.Split(block, "\n")
	var atoms []string
	var para strings.Builder
	flushPara := func() {
		if s := strings.TrimSpace(para.String()); s != "" {
			atoms = append(atoms, s)
		}
		para.Reset()
	}
	for _, ln := range lines {
		if tableLineRe.MatchString(ln) {
			flushPara()
			atoms = append(atoms, strings.TrimSpace(ln))
			continue
		}
		if strings.TrimSpace(ln) == "" {
			flushPara()
			continue
		}
		if para.Len() > 0 {
			para.WriteString("\n")
		}
		para.WriteString(ln)
	}
	flushPara()
	return atoms
}

// --- semantic_sections ---

var mdHeaderRe = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
var underlineHeaderRe = regexp.MustCompile(`(?m)^\S.*\n(=+|-{2,})\s*$`)

type semanticSections struct{}

func (semanticSections) Name() string      { return "semantic_sections" }
func (semanticSections) Default() Config    { return Config{Max: 1200, Overlap: 150} }
func (semanticSections) DetectApplicability(sample string, meta Metadata) float64 {
	n := len(mdHeaderRe.FindAllString(sample, -1)) + len(underlineHeaderRe.FindAllString(sample, -1))
	if n >= 2 {
		return 0.8
	}
	if n == 1 {
		return 0.2
	}
	return 0
}

func (semanticSections) Chunk(text string, cfg Config) ([]string, error) {
	lines := strings.Split(text, "\n")
	type section struct {
		header string
		body   []string
	}
	var sections []section
	cur := section{}
	isHeader := func(i int) (string, bool) {
		if mdHeaderRe.MatchString(lines[i]) {
			return lines[i], true
		}
		if i+1 < len(lines) && strings.TrimSpace(lines[i]) != "" {
			trimmed := strings.TrimSpace(lines[i+1])
			if len(trimmed) >= 2 && (strings.Count(trimmed, "=") == len(trimmed) || strings.Count(trimmed, "-") == len(trimmed)) {
				return lines[i], true
			}
		}
		return "", false
	}
	skipNext := false
	for i := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		if hdr, ok := isHeader(i); ok {
			if cur.header != "" || len(cur.body) > 0 {
				sections = append(sections, cur)
			}
			cur = section{header: hdr}
			if mdHeaderRe.MatchString(lines[i]) {
				// no underline to skip
			} else {
				skipNext = true
			}
			continue
		}
		cur.body = append(cur.body, lines[i])
	}
	sections = append(sections, cur)

	var out []string
	for _, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		full := body
		if sec.header != "" {
			if body != "" {
				full = sec.header + "\n" + body
			} else {
				full = sec.header
			}
		}
		if full == "" {
			continue
		}
		out = append(out, pack(paragraphs(full), cfg)...)
	}
	return out, nil
}

// --- conversation_turns ---

var speakerTagRe = regexp.MustCompile(`(?m)^\s*([A-Z][\w .]{0,40}|Q|A):\s`)

type conversationTurns struct{}

func (conversationTurns) Name() string   { return "conversation_turns" }
func (conversationTurns) Default() Config { return Config{Max: 600, Overlap: 0} }
func (conversationTurns) DetectApplicability(sample string, meta Metadata) float64 {
	n := len(speakerTagRe.FindAllString(sample, -1))
	if n >= 5 {
		return 0.7
	}
	return float64(n) / 10
}

func (conversationTurns) Chunk(text string, cfg Config) ([]string, error) {
	lines := strings.Split(text, "\n")
	var turns []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			turns = append(turns, s)
		}
		cur.Reset()
	}
	for _, ln := range lines {
		if speakerTagRe.MatchString(ln) {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(ln)
	}
	flush()
	return atomicChunks(turns, cfg, "", true), nil
}

// --- table_aware (standalone, not page-scoped) ---

type tableAwareStrategy struct{}

func (tableAwareStrategy) Name() string   { return "table_aware" }
func (tableAwareStrategy) Default() Config { return Config{Max: 1000, Overlap: 100} }
func (tableAwareStrategy) DetectApplicability(sample string, meta Metadata) float64 {
	lines := strings.Split(sample, "\n")
	best, run := 0, 0
	for _, ln := range lines {
		if tableLineRe.MatchString(ln) {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	if best >= 3 {
		return 0.6
	}
	return 0
}

func (tableAwareStrategy) Chunk(text string, cfg Config) ([]string, error) {
	lines := strings.Split(text, "\n")
	var out []string
	var narrative []string
	flushNarrative := func() {
		if len(narrative) == 0 {
			return
		}
		out = append(out, pack(paragraphs(strings.Join(narrative, "\n")), cfg)...)
		narrative = nil
	}
	i := 0
	for i < len(lines) {
		if tableLineRe.MatchString(lines[i]) {
			flushNarrative()
			start := i
			for i < len(lines) && tableLineRe.MatchString(lines[i]) {
				i++
			}
			table := strings.TrimSpace(strings.Join(lines[start:i], "\n"))
			if table != "" {
				out = append(out, "[TABLE]\n"+table)
			}
			continue
		}
		narrative = append(narrative, lines[i])
		i++
	}
	flushNarrative()
	return out, nil
}

// --- reviews ---

var reviewMarkerRe = regexp.MustCompile(`(?mi)^(Review\s+(by|from)\s+.+|Rating:\s*\d)`)
var reviewsFilenameRe = regexp.MustCompile(`(?i)^reviews_`)

type reviews struct{}

func (reviews) Name() string   { return "reviews" }
func (reviews) Default() Config { return Config{Max: 600, Overlap: 0} }
func (reviews) DetectApplicability(sample string, meta Metadata) float64 {
	score := 0.0
	if reviewsFilenameRe.MatchString(meta.Filename) {
		score += 0.9
	}
	if meta.Source == "google_reviews" {
		score += 0.9
	}
	if n := len(reviewMarkerRe.FindAllString(sample, -1)); n >= 2 {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (reviews) Chunk(text string, cfg Config) ([]string, error) {
	blocks := paragraphs(text)
	return atomicChunks(blocks, cfg, "[REVIEW]", false), nil
}

// --- menus ---

var menuFilenameRe = regexp.MustCompile(`(?i)^menu_`)
var currencyRe = regexp.MustCompile(`[$€£¥]\s?\d|\d+[.,]\d{2}\s?[$€£¥]?`)

type menus struct{}

func (menus) Name() string    { return "menus" }
func (menus) Default() Config { return Config{Max: 400, Overlap: 0} }
func (menus) DetectApplicability(sample string, meta Metadata) float64 {
	score := 0.0
	if menuFilenameRe.MatchString(meta.Filename) {
		score += 0.9
	}
	lines := strings.Split(sample, "\n")
	short, currency := 0, 0
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if len(ln) < 60 {
			short++
		}
		if currencyRe.MatchString(ln) {
			currency++
		}
	}
	if currency >= 3 && short > len(lines)/2 {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (menus) Chunk(text string, cfg Config) ([]string, error) {
	items := paragraphs(text)
	return atomicChunks(items, cfg, "[MENU ITEM]", false), nil
}

// --- legal ---

var legalArticleRe = regexp.MustCompile(`(?mi)^(Artikel\s+\d+|§\s?\d+|Article\s+\d+)`)

type legal struct{}

func (legal) Name() string    { return "legal" }
func (legal) Default() Config { return Config{Max: 2000, Overlap: 0} }
func (legal) DetectApplicability(sample string, meta Metadata) float64 {
	n := len(legalArticleRe.FindAllString(sample, -1))
	if n >= 2 {
		return 0.85
	}
	if n == 1 {
		return 0.3
	}
	return 0
}

func (legal) Chunk(text string, cfg Config) ([]string, error) {
	articles := splitOnMarkerKeep(text, legalArticleRe)
	return atomicChunks(articles, cfg, "", false), nil
}

// splitOnMarkerKeep splits on lines matching re, keeping the matched line as
// the start of the following segment (so articles keep their own heading).
func splitOnMarkerKeep(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var out []string
	if locs[0][0] > 0 {
		out = append(out, text[:locs[0][0]])
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, text[loc[0]:end])
	}
	return out
}

// --- administrative ---

var adminBannerRe = regexp.MustCompile(`(?m)^(BESLUIT|VOORWAARDEN|OVERWEGINGEN|BIJLAGE|RECHTSMIDDEL)\b`)

type administrative struct{}

func (administrative) Name() string    { return "administrative" }
func (administrative) Default() Config { return Config{Max: 1200, Overlap: 100} }
func (administrative) DetectApplicability(sample string, meta Metadata) float64 {
	n := len(adminBannerRe.FindAllString(sample, -1))
	if n >= 1 {
		return 0.5 + 0.1*float64(n)
	}
	return 0
}

func (administrative) Chunk(text string, cfg Config) ([]string, error) {
	segments := splitOnMarkerKeep(text, adminBannerRe)
	var out []string
	for _, seg := range segments {
		if adminBannerRe.MatchString(seg) {
			// each special section is its own chunk even if short (no merge).
			out = append(out, strings.TrimSpace(seg))
			continue
		}
		out = append(out, pack(paragraphs(seg), cfg)...)
	}
	return out, nil
}

// --- default (fallback) ---

type defaultStrategy struct{}

func (defaultStrategy) Name() string    { return "default" }
func (defaultStrategy) Default() Config { return Config{Max: 800, Overlap: 0} }
func (defaultStrategy) DetectApplicability(string, Metadata) float64 { return 0 }
func (defaultStrategy) Chunk(text string, cfg Config) ([]string, error) {
	return pack(paragraphs(text), cfg), nil
}
