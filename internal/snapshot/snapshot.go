package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/playwright-community/playwright-go"
)

// Kind selects which family of elements a snapshot collects.
type Kind string

const (
	KindInput  Kind = "input"
	KindButton Kind = "button"
	KindAnchor Kind = "anchor"
	KindRow    Kind = "row"
)

// IDAttribute is stamped on every collected element so later actions can
// address it without re-deriving a selector.
const IDAttribute = "data-fb-cid"

const (
	defaultLimit = 300
	maxRanked    = 80
	maxRowRanked = 120
)

// Candidate describes one element proposed to the resolver. IDs are only
// valid for the page state they were collected from.
type Candidate struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Markup string `json:"markup"`
	Kind   Kind   `json:"kind"`
}

// Selector builds the CSS selector for a candidate ID.
func Selector(id string) string {
	return fmt.Sprintf("[%s=%q]", IDAttribute, id)
}

// Format renders candidates as a compact numbered list for prompts.
func Format(cands []Candidate) string {
	var b strings.Builder
	for _, c := range cands {
		fmt.Fprintf(&b, "- id=%s kind=%s text=%q markup=%s\n", c.ID, c.Kind, c.Text, c.Markup)
	}
	return b.String()
}

var kindSelectors = map[Kind]string{
	KindInput:  `input:not([type=hidden]):not([type=submit]):not([type=button]):not([type=checkbox]):not([type=radio]),textarea`,
	KindButton: `button,input[type=submit],input[type=button],input[type=image],[role=button]`,
	KindAnchor: `a[href],[role=link]`,
	KindRow:    `tr,[role=row]`,
}

var generation atomic.Uint64

// IDPrefix is the prefix shared by every candidate collected from one frame
// in one pass. Frame 0 is the main frame.
func IDPrefix(kind Kind, gen uint64, frame int) string {
	return fmt.Sprintf("f%d-%c%d-", frame, kind[0], gen)
}

// Collect gathers a fresh candidate set of the given kind from the page and
// every reachable frame.
func Collect(ctx context.Context, page playwright.Page, kind Kind) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector, ok := kindSelectors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown candidate kind %q", kind)
	}

	gen := generation.Add(1)
	main := page.MainFrame()
	cands, err := evaluate(main, IDPrefix(kind, gen, 0), selector, kind, defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", kind, err)
	}
	idx := 0
	for _, frame := range page.Frames() {
		if len(cands) >= defaultLimit {
			break
		}
		if frame == main {
			continue
		}
		idx++
		more, err := evaluate(frame, IDPrefix(kind, gen, idx), selector, kind, defaultLimit-len(cands))
		if err != nil {
			// cross-origin frame
			continue
		}
		cands = append(cands, more...)
	}
	if id, dup := Duplicate(cands); dup {
		return nil, fmt.Errorf("collect %s: duplicate candidate id %q", kind, id)
	}

	limit := maxRanked
	if kind == KindRow {
		limit = maxRowRanked
	}
	return Rank(cands, limit), nil
}

const collectScript = `([prefix, selector, kind, limit, attr]) => {
	const out = [];
	const labelFor = (el) => {
		if (el.labels && el.labels.length) return el.labels[0].innerText;
		return "";
	};
	const nodes = document.querySelectorAll(selector);
	for (const el of nodes) {
		if (out.length >= limit) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		let text = "";
		if (el.tagName === "INPUT" || el.tagName === "TEXTAREA") {
			text = [labelFor(el), el.getAttribute("aria-label"), el.getAttribute("placeholder"), el.getAttribute("name"), el.getAttribute("type")]
				.filter(Boolean).join(" | ");
			if (el.type === "submit" || el.type === "button") text = el.value || text;
		} else {
			text = (el.innerText || el.textContent || el.getAttribute("aria-label") || el.getAttribute("title") || "").trim();
		}
		text = text.replace(/\s+/g, " ").slice(0, kind === "row" ? 400 : 160);
		const id = prefix + out.length;
		el.setAttribute(attr, id);
		let markup = el.outerHTML || "";
		if (kind !== "row") {
			const close = markup.indexOf(">");
			if (close > 0) markup = markup.slice(0, close + 1);
		}
		markup = markup.replace(/\s+/g, " ").slice(0, kind === "row" ? 600 : 240);
		out.push({id, text, markup, kind});
	}
	return out;
}`

// Duplicate reports the first ID carried by more than one candidate.
func Duplicate(cands []Candidate) (string, bool) {
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		if _, ok := seen[c.ID]; ok {
			return c.ID, true
		}
		seen[c.ID] = struct{}{}
	}
	return "", false
}

func evaluate(frame playwright.Frame, prefix, selector string, kind Kind, limit int) ([]Candidate, error) {
	val, err := frame.Evaluate(collectScript, []any{prefix, selector, string(kind), limit, IDAttribute})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, err
	}
	return cands, nil
}

// Rank drops irrelevant candidates and keeps the most promising ones,
// preserving document order among equal scores.
func Rank(cands []Candidate, maxCount int) []Candidate {
	type scored struct {
		cand  Candidate
		score int
		pos   int
	}
	kept := make([]scored, 0, len(cands))
	for i, c := range cands {
		if s := score(c); s > 0 {
			kept = append(kept, scored{cand: c, score: s, pos: i})
		}
	}
	if len(kept) > maxCount {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
		kept = kept[:maxCount]
		sort.Slice(kept, func(i, j int) bool { return kept[i].pos < kept[j].pos })
	}
	out := make([]Candidate, 0, len(kept))
	for _, k := range kept {
		out = append(out, k.cand)
	}
	return out
}

func score(c Candidate) int {
	text := strings.TrimSpace(c.Text)
	s := 1
	if text != "" {
		s += 3
		if len(text) < 200 {
			s += 2
		}
	}
	markup := strings.ToLower(c.Markup)
	if strings.Contains(markup, "aria-label") || strings.Contains(markup, "name=") {
		s += 2
	}
	switch c.Kind {
	case KindRow:
		// header-only or empty rows carry no invoice data
		if text == "" {
			return 0
		}
	case KindAnchor, KindButton:
		if text == "" && !strings.Contains(markup, "aria-label") && !strings.Contains(markup, "title") {
			return 0
		}
	}
	if len(text) > 500 {
		s -= 3
	}
	return s
}
