package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/llm"
)

const systemPrompt = `You route requests for a ticket management and data assistant.
Convert the user's message into an ordered list of intents. Respond with a single JSON object only:

{"intents": [{"kind": "...", "params": {...}, "depends_on": <index>, "when": {...}}]}

Kinds and params:
- "search": look up tickets. params: {"action": "find", "ticket_id": "TKT-005"} or {"action": "list", "status": "pending"} (status optional).
- "process": mark a pending ticket as resolved. params: {"ticket_id": "TKT-005"}. Omit ticket_id when it comes from a previous search.
- "notify": send a webhook notification about a ticket. params: {"ticket_id": "TKT-005", "status": "done|pending|in_progress|cancelled", "metadata": {...}}. Omit ticket_id when it comes from a previous step.
- "schema_op": manage tables. params: {"action": "create_table|describe_table|check_table_exists", "table": "events", "columns": [{"name": "title", "type": "VARCHAR(255)", "not_null": true, "default": "now"}]}. Column types are optional.
- "data_op": read or write rows. params: {"action": "insert|update|select_last|select", "table": "events", "values": {...}, "set": {...}, "where": {...}, "columns": [...], "limit": 10}.

Rules:
- Keep the order the user asked for. "search and process" is a search followed by a process.
- "depends_on" is the zero-based index of an earlier intent whose result this intent uses.
- "when" is a condition on the dependency's result, e.g. "if it is pending" is {"status": "pending"}. A "when" requires "depends_on".
- Mentioning a webhook or notification always adds a "notify" intent.
- Use only the identifiers the user gave. Never invent ticket ids or table names.
- Return {"intents": []} when nothing matches.`

// LLMExtractor asks a language model for intents.
type LLMExtractor struct {
	provider   llm.Provider
	maxIntents int
	maxHistory int
	logger     *slog.Logger
}

// NewLLMExtractor creates an extractor. maxIntents bounds the list length;
// maxHistory bounds how many prior turns are sent as context.
func NewLLMExtractor(provider llm.Provider, maxIntents, maxHistory int, logger *slog.Logger) *LLMExtractor {
	return &LLMExtractor{provider: provider, maxIntents: maxIntents, maxHistory: maxHistory, logger: logger}
}

type extraction struct {
	Intents []Intent `json:"intents"`
}

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, message string, history []domain.ConversationTurn) ([]Intent, error) {
	if strings.TrimSpace(message) == "" {
		return nil, &ExtractionError{Reason: "empty message"}
	}

	if x.maxHistory > 0 && len(history) > x.maxHistory {
		history = history[len(history)-x.maxHistory:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == string(llm.RoleAssistant) {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})

	resp, err := x.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     msgs,
		MaxTokens:    800,
		Temperature:  llm.Float(0.1),
		JSONOutput:   true,
	})
	if err != nil {
		return nil, &ExtractionError{Reason: "model request failed", Err: err}
	}

	intents, err := Parse(resp.Content)
	if err != nil {
		x.logger.WarnContext(ctx, "unparseable intent response",
			slog.String("provider", x.provider.Name()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if err := Validate(intents, x.maxIntents); err != nil {
		return nil, err
	}

	x.logger.DebugContext(ctx, "intents extracted",
		slog.Int("count", len(intents)),
		slog.String("provider", x.provider.Name()),
	)
	return intents, nil
}

// Parse decodes an intent list from model output. Text around the outermost
// JSON object is ignored.
func Parse(text string) ([]Intent, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, &ExtractionError{Reason: "no JSON object in model response"}
	}

	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.UseNumber()
	var out extraction
	if err := dec.Decode(&out); err != nil {
		return nil, &ExtractionError{Reason: "invalid intent JSON", Err: err}
	}
	for i := range out.Intents {
		out.Intents[i].Kind = Kind(strings.ToLower(strings.TrimSpace(string(out.Intents[i].Kind))))
	}
	return out.Intents, nil
}
