package gemini

const defaultPromptVersion = "v2"

// prompts maps prompt versions to their templates. {{DOCUMENT}} is replaced
// with the normalized document text. Versions are append-only: a run pins
// one version at creation and must reproduce it on retry.
var prompts = map[string]string{
	"v1": `You are a legal chronologist. Read the document below and list every
dated or datable event relevant to the proceedings.

Return ONLY a JSON array. Each element must have:
  "date":        the event date as written, or "" if undated
  "particulars": one sentence describing what happened
  "citation":    page or paragraph reference within the document, or ""
  "reference":   the document's name or title

Document:
{{DOCUMENT}}`,

	"v2": `You are preparing a litigation chronology. Extract every procedural
and substantive event from the document below: filings, orders, hearings,
notices, correspondence, and deadlines.

Rules:
- One entry per event, in the order they appear in the document.
- "particulars" is mandatory: a complete sentence in past tense. Skip
  nothing that has particulars; omit entries you cannot describe.
- Keep "date" exactly as written in the document; use "" when undated.
- "citation" points at the page/paragraph supporting the entry; "" if none.
- "reference" names the source document.

Return ONLY a JSON array of objects with keys "date", "particulars",
"citation", "reference". No prose, no markdown.

Document:
{{DOCUMENT}}`,
}
