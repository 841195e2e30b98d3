// Package research validates the markdown produced by the knowledge
// acquisition phase before it is handed to graph construction.
package research

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ValidationResult is the outcome of validating acquisition markdown. The
// validator never fails hard; callers log the errors as warnings and forward
// the raw markdown downstream regardless.
type ValidationResult struct {
	IsValid         bool     `json:"is_valid"`
	Errors          []string `json:"errors"`
	CitedSourceIDs  []string `json:"cited_source_ids"`
	LedgerSourceIDs []string `json:"ledger_source_ids"`
}

var (
	citationPattern = regexp.MustCompile(`(?i)\[S(\d+)\]`)
	ledgerHeader    = regexp.MustCompile(`(?i)^###\s*\[S(\d+)\]`)
	listItemPattern = regexp.MustCompile(`^(\s*)([-*>]|\d+\.)\s`)
	fieldPattern    = regexp.MustCompile(`(?i)^\s*[-*]?\s*(url|title|published_at)\s*:\s*(.*)$`)
)

// ValidateAcquisition checks the structural contract of research output:
// a "## Findings" section whose every claim carries at least one [S<n>]
// citation, followed by a "## Source Ledger" section whose [S<n>] entries
// each define url, title, and published_at, with the citation and ledger id
// sets matching exactly.
func ValidateAcquisition(markdown string) ValidationResult {
	res := ValidationResult{
		Errors:          []string{},
		CitedSourceIDs:  []string{},
		LedgerSourceIDs: []string{},
	}

	lines := strings.Split(markdown, "\n")
	findingsStart, ledgerStart := -1, -1
	for i, line := range lines {
		switch normalizeHeading(line) {
		case "## findings":
			if findingsStart == -1 {
				findingsStart = i
			}
		case "## source ledger":
			if ledgerStart == -1 {
				ledgerStart = i
			}
		}
	}

	if findingsStart == -1 {
		res.Errors = append(res.Errors, "missing '## Findings' heading")
	}
	if ledgerStart == -1 {
		res.Errors = append(res.Errors, "missing '## Source Ledger' heading")
	}
	if findingsStart != -1 && ledgerStart != -1 && ledgerStart < findingsStart {
		res.Errors = append(res.Errors, "'## Source Ledger' must appear after '## Findings'")
	}

	cited := map[string]bool{}
	if findingsStart != -1 {
		end := len(lines)
		if ledgerStart > findingsStart {
			end = ledgerStart
		}
		claims := splitClaims(lines[findingsStart+1 : end])
		for _, claim := range claims {
			ids := citationIDs(claim)
			if len(ids) == 0 {
				res.Errors = append(res.Errors,
					fmt.Sprintf("claim missing inline source citation: %q", truncate(claim, 80)))
				continue
			}
			for _, id := range ids {
				cited[id] = true
			}
		}
	}

	ledger := map[string]bool{}
	if ledgerStart != -1 {
		entries, errs := parseLedger(lines[ledgerStart+1:])
		res.Errors = append(res.Errors, errs...)
		ledger = entries
	}

	for _, id := range sortSourceIDs(cited) {
		if !ledger[id] {
			res.Errors = append(res.Errors, fmt.Sprintf("citation [%s] has no ledger entry", id))
		}
	}
	for _, id := range sortSourceIDs(ledger) {
		if !cited[id] {
			res.Errors = append(res.Errors, fmt.Sprintf("ledger entry [%s] is never cited", id))
		}
	}

	res.CitedSourceIDs = sortSourceIDs(cited)
	res.LedgerSourceIDs = sortSourceIDs(ledger)
	res.IsValid = len(res.Errors) == 0
	return res
}

func normalizeHeading(line string) string {
	return strings.ToLower(strings.TrimSpace(line))
}

// splitClaims breaks findings content into claims: each list or quote item
// is one claim, and consecutive plain lines form one paragraph claim.
func splitClaims(lines []string) []string {
	var claims []string
	var paragraph []string
	flush := func() {
		if len(paragraph) > 0 {
			claims = append(claims, strings.Join(paragraph, " "))
			paragraph = nil
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "#"):
			flush()
		case listItemPattern.MatchString(line) || strings.HasPrefix(trimmed, ">"):
			flush()
			claims = append(claims, trimmed)
		default:
			paragraph = append(paragraph, trimmed)
		}
	}
	flush()
	return claims
}

func citationIDs(text string) []string {
	var ids []string
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		ids = append(ids, "S"+m[1])
	}
	return ids
}

// parseLedger reads "### [S<n>]" entries and checks the three required
// fields per entry.
func parseLedger(lines []string) (map[string]bool, []string) {
	entries := map[string]bool{}
	var errs []string

	current := ""
	fields := map[string]string{}
	finish := func() {
		if current == "" {
			return
		}
		for _, f := range []string{"url", "title", "published_at"} {
			if strings.TrimSpace(fields[f]) == "" {
				errs = append(errs, fmt.Sprintf("ledger entry [%s] missing field %s", current, f))
			}
		}
		current = ""
		fields = map[string]string{}
	}

	for _, line := range lines {
		if m := ledgerHeader.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			finish()
			id := "S" + m[1]
			if entries[id] {
				errs = append(errs, fmt.Sprintf("duplicate ledger entry [%s]", id))
				continue
			}
			entries[id] = true
			current = id
			continue
		}
		if current == "" {
			continue
		}
		if m := fieldPattern.FindStringSubmatch(line); m != nil {
			fields[strings.ToLower(m[1])] = m[2]
		}
	}
	finish()
	return entries, errs
}

func sortSourceIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(ids[i], "S"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(ids[j], "S"))
		return ni < nj
	})
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
