package analysis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a legal document analyst. Read the document text and produce a structured summary for a case file. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

Fields:
- "document_type": one of Motion, Response, Complaint, Order, Notice, Evidence, Research, Correspondence, Contract, Other.
- "confidence": your confidence in document_type, a number between 0 and 1.
- "summary": a concise executive summary of the document.
- "key_parties": people and organizations involved, with their roles.
- "important_dates": dates that matter to the case, each with what happened.
- "main_arguments": the principal arguments or positions taken.
- "jurisdiction": the court or jurisdiction, if stated.
- "authorities": statutes, rules and cases cited.
- "critical_facts": facts a reviewing attorney must know.
- "requested_relief": what the filing asks the court to do, if anything.

Use empty strings and empty arrays for anything the document does not contain.`

// BuildPrompt assembles the user prompt for one document.
func BuildPrompt(filename, text string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Filename: %s\n", filename)
	if hint := TypeFromFilename(filename); hint != "" {
		fmt.Fprintf(&sb, "The filename suggests this may be a %s. Confirm or correct this from the content.\n", hint)
	}
	sb.WriteString("\n[Document Text]\n")
	sb.WriteString(text)
	return sb.String()
}
