package engine

import "strings"

const riskSystemPrompt = "You are a helpful assistant that provides risk analysis in JSON format."

const riskPromptTemplate = `You are a senior freelancer who has reviewed thousands of client conversations and knows the warning signs of scope creep, budget disputes and clients who disappear. Assess how risky the job in the chat below is for the freelancer.

# CLIENT CHAT
{{chat}}

# WHAT TO PRODUCE
- risk_score: integer from 1 to 10.
- risk_level: GREEN for scores 1-3, YELLOW for 4-6, RED for 7-10. It must agree with the score.
- risk_meter: a single coloured circle emoji matching the level.
- executive_summary: two or three sentences on the overall risk and the main concerns.
- pros: three to five distinct positive signals, each with a short title, a description and supporting quotes from the chat.
- cons: three to seven distinct concerns, each with title, description, quotes, a severity of LOW, MEDIUM or HIGH and a dimension of BUDGET, SCOPE, COMMUNICATION, TIMELINE, CLIENT_BEHAVIOR or OTHER.
- recommendation: exactly one of ACCEPT, PROCEED WITH CAUTION, DECLINE, RENEGOTIATE.
- recommendation_reasoning: why that recommendation fits.
- protective_measures: concrete contract, milestone, payment and scope protections to use if the freelancer proceeds.

Only quote text that appears in the chat. When the chat does not mention something such as a budget or deadline, say "not mentioned in chat" instead of guessing. Keep every section consistent with the score.

Reply with a single JSON object:
{
  "risk_score": 0,
  "risk_level": "",
  "risk_meter": "",
  "executive_summary": "",
  "pros": [{"title": "", "description": "", "quotes": []}],
  "cons": [{"title": "", "description": "", "quotes": [], "severity": "", "dimension": ""}],
  "recommendation": "",
  "recommendation_reasoning": "",
  "protective_measures": []
}`

const proposalSystemPrompt = "You are an Expert Freelance Proposal Strategist. Generate professional job proposals in JSON format based on client chats."

const proposalPromptTemplate = `Turn the client conversation below into a professional job proposal the freelancer can send, together with an internal analysis of what is still unclear.

# CLIENT CHAT
{{chat}}

# RULES
- Base everything on the chat. Where details such as revision rounds, file formats or budget are missing, propose a standard, protective default and say it is a suggestion.
- The analysis sections are for the freelancer. The formatted_proposal is client-facing: confident, third person, focused on value, with no talk of risks or loopholes.
- ambiguity_and_loopholes.unclear_missing_conflicting_requirements and ambiguity_and_loopholes.client_questions_for_clarification must each hold at least three specific items of at least twenty characters.
- formatted_proposal is markdown with these sections in order: "## Proposal: <title>", "## 1. Project Details", "## 2. Project Goals", "## 3. Project Scope & Deliverables", "## 4. Process" (ending with "**Client Requirements:**"), "## 5. Timeline", "## 6. Pricing and Payment Terms".
- The structured sections and formatted_proposal must not contradict each other. Escape double quotes inside strings.

Reply with a single JSON object:
{
  "job_overview": {"project_job_title": "", "client_name": "", "client_contact_info": "", "date_of_analysis": ""},
  "summary_of_job_description": "",
  "requirements_and_scope": {"deliverables": [], "client_requirements": []},
  "ambiguity_and_loopholes": {
    "unclear_missing_conflicting_requirements": [],
    "client_questions_for_clarification": []
  },
  "timeline_and_milestones": {"timeline": "", "milestones": []},
  "budget_and_payment_terms": {"budget": "", "payment_terms": "", "suggested_negotiation_points": []},
  "additional_notes": "",
  "formatted_proposal": ""
}`

const updateSystemPrompt = "You are an Expert Freelance Proposal Editor. Update proposals based on user instructions, making only the requested changes and preserving all other content."

const updatePromptTemplate = `Edit the proposal below according to the freelancer's instructions.

# CURRENT PROPOSAL
{{current}}

# REQUESTED CHANGES
{{instructions}}

# NEW CHAT CONTENT (may be empty)
{{chat}}

# RULES
- Change only what the instructions ask for. Keep every other sentence, heading, list and section exactly as it is, in the same order.
- Do not rephrase for style, do not add facts that are not in the proposal, the instructions or the new chat.
- When the instructions settle something the proposal lists as unclear or missing, remove that item wherever it appears so the document stays consistent.
- Use the new chat content only for the requested changes; never regenerate the proposal from it.

Reply with the complete updated proposal as markdown and nothing else.`

func renderPrompt(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
