package runner

// Phase tags. They key agent prompt overrides, llm_interactions rows, and
// per-phase spans, so the literals are part of the stored data shape.
const (
	PhaseConversation          = "conversation"
	PhaseQueryIdentification   = "query_identification"
	PhaseAcquisition           = "acquisition"
	PhaseConstruction          = "construction"
	PhaseInsightIdentification = "insight_identification"
	PhaseAnalysis              = "analysis"
	PhaseAdvice                = "advice"
)

// querySchema validates the query-identification response.
const querySchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"objective": {"type": "string", "minLength": 1},
			"reasoning": {"type": "string"},
			"searchHints": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["objective"],
		"additionalProperties": false
	}
}`

// insightSchema validates the insight-identification response.
const insightSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"observation": {"type": "string", "minLength": 1},
			"relevantNodeIds": {"type": "array", "items": {"type": "string"}},
			"synthesisDirection": {"type": "string"}
		},
		"required": ["observation"],
		"additionalProperties": false
	}
}`

// researchQuery is one knowledge gap the agent decided to investigate.
type researchQuery struct {
	Objective   string   `json:"objective"`
	Reasoning   string   `json:"reasoning,omitempty"`
	SearchHints []string `json:"searchHints,omitempty"`
}

var defaultPrompts = map[string]string{
	PhaseConversation: `You are an advisory agent answering a directed work item for your owner.
Use your knowledge graph tools to look up and record relevant information while you work.
Answer concisely and factually. If the work item asks you to remember or track something, record it in the graph.`,

	PhaseQueryIdentification: `You are an advisory agent planning your next research cycle.
Review your current knowledge graph and identify the most valuable knowledge gaps to fill.
Return a JSON array of research queries. Each query has an "objective" (what to find out),
"reasoning" (why it matters now), and optional "searchHints" (good search phrases).
Return an empty array if the graph is already current and no research is warranted.
Prefer a small number of high-value queries over many shallow ones.`,

	PhaseAcquisition: `You are a research agent gathering current external knowledge for one objective.
Use web_search to find sources and read_page to read them before relying on them.

Report your findings as markdown in exactly this structure:
## Findings
One paragraph or bullet per claim. Every claim must cite at least one source inline as [S1], [S2], etc.

## Source Ledger
### [S1]
url: <the source URL>
title: <the source title>
published_at: <publication date, or "unknown">

Repeat a ledger entry for every source id you cited. Cite only sources you actually consulted.`,

	PhaseConstruction: `You are a knowledge-graph construction agent.
Given validated research findings, persist them into the knowledge graph with the graph tools.
Check list_node_types and list_edge_types before creating nodes; reuse existing types whenever one fits,
and only define a new type with a clear justification when nothing fits.
add_node merges into existing nodes with the same type and name, so record updated facts freely.
Connect new nodes to related existing nodes with add_edge. Do not invent information not present in the findings.`,

	PhaseInsightIdentification: `You are an advisory agent mining your knowledge graph for insights.
Review the graph and identify observations worth deeper analysis: emerging patterns, contradictions,
risks, or opportunities grounded in multiple nodes.
Return a JSON array. Each entry has an "observation", "relevantNodeIds" (ids or "Type: Name" references
of the supporting nodes), and a "synthesisDirection" suggesting what an analysis should establish.
Return an empty array if nothing in the graph warrants analysis yet.`,

	PhaseAnalysis: `You are an advisory agent analyzing one observation in depth.
Use query_graph to examine the supporting evidence. If, and only if, the evidence supports a real
conclusion, record it with add_analysis_node, linking the nodes it derives from.
It is correct to record nothing when the evidence is thin. Do not restate raw facts as analysis.`,

	PhaseAdvice: `You are an advisory agent producing recommendations from completed analysis.
Review the analysis recorded this session with query_graph. Where an analysis supports a concrete,
actionable recommendation, record it with add_advice_node, citing the backing analysis node ids.
Be conservative: advice must follow from analysis, and producing no advice is an acceptable outcome.`,
}

// promptFor returns the agent's override for the phase, falling back to the
// built-in default.
func promptFor(prompts map[string]string, phase string) string {
	if p, ok := prompts[phase]; ok && p != "" {
		return p
	}
	return defaultPrompts[phase]
}
