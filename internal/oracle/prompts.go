package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

const classifySystem = `You label batches of desktop activity events.
Respond with JSON only: no prose, no markdown fences.`

// classifyPrompt embeds the full event batch and the fixed single-cluster
// output schema. The oracle must return exactly one cluster object.
func classifyPrompt(events []BatchEvent) string {
	payload, _ := json.Marshal(events)
	var b strings.Builder
	b.WriteString("These activity events cover one continuous work period, ordered by time:\n")
	b.Write(payload)
	b.WriteString("\n\nDescribe the single task the user was working on. Respond with exactly one JSON object:\n")
	b.WriteString(`{"label": "<short task title>", "summary": "<one-sentence description>", `)
	b.WriteString(`"apps": ["<app names used>"], "keywords": ["<topic keywords>"], `)
	b.WriteString(`"productivity": "<productive|neutral|distracting>", "confidence": <0.0-1.0>, `)
	b.WriteString(`"duration_seconds": <optional active-work estimate>}`)
	return b.String()
}

const groupSystem = `You organize work items into streams.
Respond with JSON only: no prose, no markdown fences.`

// groupPrompt embeds the ungrouped children and the summaries of parents
// that already exist. The oracle may assign children to an existing parent
// (by echoing its id) or invent new parents.
func groupPrompt(req GroupRequest) string {
	children, _ := json.Marshal(req.Children)
	parents, _ := json.Marshal(req.Parents)
	var b strings.Builder
	b.WriteString("Ungrouped work items:\n")
	b.Write(children)
	if len(req.Parents) > 0 {
		b.WriteString("\n\nExisting groups (reuse these when an item belongs to one):\n")
		b.Write(parents)
	}
	b.WriteString("\n\nPartition every ungrouped item into groups by topic. Respond with a JSON array of group objects:\n")
	b.WriteString(`[{"parent_id": "<existing group id, omit when creating a new group>", `)
	b.WriteString(`"title": "<group title>", "summary": "<one-sentence description>", `)
	b.WriteString(`"bullets": ["<key activities>"], "member_ids": ["<item ids>"]}]`)
	b.WriteString("\nEvery item id must appear in exactly one group's member_ids.")
	return b.String()
}

const mutateSystem = `You maintain work-stream summaries.
Respond with JSON only: no prose, no markdown fences.`

// mutatePrompt asks for the existing unit's summary rewritten to absorb
// the incoming unit while preserving the existing unit's identity.
func mutatePrompt(existing, incoming UnitText) string {
	return fmt.Sprintf(
		"An existing work stream:\n%s\n\nNewly observed related work:\n%s\n\n"+
			"Fold the new work into the existing stream's description, keeping the stream's identity. "+
			"Respond with exactly one JSON object: {\"name\": \"<updated name>\", \"summary\": \"<updated summary>\"}",
		mustJSON(existing), mustJSON(incoming))
}

// mergePrompt asks for one unified identity covering two near-duplicate units.
func mergePrompt(a, b UnitText) string {
	return fmt.Sprintf(
		"Two work records describe the same underlying work:\n%s\n%s\n\n"+
			"Combine them into one. Respond with exactly one JSON object: "+
			"{\"name\": \"<combined name>\", \"summary\": \"<combined summary>\"}",
		mustJSON(a), mustJSON(b))
}

func mustJSON(v any) string {
	out, _ := json.Marshal(v)
	return string(out)
}
