package graph

import (
	"context"
	"regexp"
	"strings"

	"github.com/mindloom/mindloom/internal/persistence"
)

// Insight is the structured output of the insight identification phase.
// RelevantNodeIDs arrive from the LLM in whatever shape it chose: raw UUIDs,
// UUIDs embedded in prose, "Type: Name" strings, or bare node names.
type Insight struct {
	Observation        string   `json:"observation"`
	RelevantNodeIDs    []string `json:"relevantNodeIds"`
	SynthesisDirection string   `json:"synthesisDirection"`
}

// Resolution strategy names, used as keys in Resolution.ByStrategy.
const (
	StrategyUUID         = "uuid"
	StrategyEmbeddedUUID = "embedded_uuid"
	StrategyTypedName    = "typed_name"
	StrategyBareName     = "bare_name"
)

// Resolution is the outcome of normalizing one reference list.
type Resolution struct {
	Resolved   []string
	Dropped    []string
	ByStrategy map[string]int
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// ResolveNodeRefs maps free-form node references onto real node ids. Each
// reference tries, in order: whole-string UUID match, embedded UUID
// extraction, "Type: Name" lookup, then bare-name lookup (accepted only when
// exactly one node carries that name; ambiguous names are dropped, not
// guessed). Resolved ids are deduplicated preserving first-seen order.
func ResolveNodeRefs(refs []string, nodes []persistence.GraphNode) Resolution {
	res := Resolution{
		Resolved:   []string{},
		Dropped:    []string{},
		ByStrategy: map[string]int{},
	}

	byID := make(map[string]bool, len(nodes))
	byTypedName := make(map[string]string, len(nodes))
	byName := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = true
		byTypedName[normalizeKey(n.Type)+"::"+normalizeKey(n.Name)] = n.ID
		key := normalizeKey(n.Name)
		byName[key] = append(byName[key], n.ID)
	}

	seen := map[string]bool{}
	accept := func(id, strategy string) {
		res.ByStrategy[strategy]++
		if !seen[id] {
			seen[id] = true
			res.Resolved = append(res.Resolved, id)
		}
	}

	for _, raw := range refs {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			res.Dropped = append(res.Dropped, raw)
			continue
		}

		if uuidPattern.MatchString(ref) && uuidPattern.FindString(ref) == ref && byID[strings.ToLower(ref)] {
			accept(strings.ToLower(ref), StrategyUUID)
			continue
		}
		if embedded := strings.ToLower(uuidPattern.FindString(ref)); embedded != "" && embedded != strings.ToLower(ref) && byID[embedded] {
			accept(embedded, StrategyEmbeddedUUID)
			continue
		}
		if typ, name, ok := strings.Cut(ref, ":"); ok {
			if id, found := byTypedName[normalizeKey(typ)+"::"+normalizeKey(name)]; found {
				accept(id, StrategyTypedName)
				continue
			}
		}
		if ids := byName[normalizeKey(ref)]; len(ids) == 1 {
			accept(ids[0], StrategyBareName)
			continue
		}

		res.Dropped = append(res.Dropped, raw)
	}
	return res
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeInsights replaces each insight's RelevantNodeIDs with resolved
// node ids against the agent's current graph. Dropped references are logged
// as warnings, never errors; all other insight fields pass through unchanged.
func (s *Service) NormalizeInsights(ctx context.Context, agentID string, insights []Insight) ([]Insight, error) {
	nodes, err := s.store.ListNodes(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]Insight, len(insights))
	for i, in := range insights {
		res := ResolveNodeRefs(in.RelevantNodeIDs, nodes)
		if len(res.Dropped) > 0 {
			s.logger.Warn("dropped unresolvable node references",
				"agent_id", agentID,
				"dropped", res.Dropped,
				"resolved_by_strategy", res.ByStrategy)
		}
		in.RelevantNodeIDs = res.Resolved
		out[i] = in
	}
	return out, nil
}
