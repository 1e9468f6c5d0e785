package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"podcast-agent/agent_go/pkg/operations"
)

// Scripted is a deterministic collaborator that walks a session through the
// podcast stages with canned content. It stands in for the real generation
// system in local development and tests.
type Scripted struct{}

func NewScripted() *Scripted {
	return &Scripted{}
}

func (s *Scripted) Execute(_ context.Context, opType operations.OperationType, state operations.SessionState, payload json.RawMessage) (operations.SessionState, json.RawMessage, error) {
	var chat operations.ChatPayload
	_ = json.Unmarshal(payload, &chat)

	switch opType {
	case operations.OperationSessionCreate:
		return operations.NewSessionState(), reply("Welcome! What would you like your podcast to be about?"), nil

	case operations.OperationSearch:
		return s.search(state, chat.Message)

	case operations.OperationScriptGeneration:
		return s.script(state, chat.Message)

	case operations.OperationBannerGeneration:
		next := state
		next.BannerURL = fmt.Sprintf("banner_%s.png", uuid.New().String()[:8])
		next.Stage = operations.StageBanner
		return next, reply("Banner generated. Say \"approve\" to continue to audio."), nil

	case operations.OperationAudioGeneration:
		next := state
		next.AudioURL = fmt.Sprintf("audio_%s.mp3", uuid.New().String()[:8])
		next.Stage = operations.StageComplete
		next.PodcastGenerated = true
		return next, reply("Your podcast is ready!"), nil

	default:
		return s.chat(state, chat.Message)
	}
}

func (s *Scripted) search(state operations.SessionState, message string) (operations.SessionState, json.RawMessage, error) {
	next := state
	if message != "" {
		next.Topic = message
	}
	results := []map[string]string{
		{"title": "Overview: " + next.Topic, "url": "https://example.com/overview"},
		{"title": "Deep dive: " + next.Topic, "url": "https://example.com/deep-dive"},
		{"title": "Recent developments in " + next.Topic, "url": "https://example.com/news"},
	}
	next.SearchResults, _ = json.Marshal(results)
	next.Stage = operations.StageSourceSelection
	return next, reply("I found 3 sources. Reply with the numbers you want to use, e.g. \"1, 3\"."), nil
}

func (s *Scripted) script(state operations.SessionState, message string) (operations.SessionState, json.RawMessage, error) {
	next := state
	next.SelectedSources = parseSelection(message)
	next.Script = fmt.Sprintf("HOST: Welcome to today's episode about %s.\nGUEST: Glad to be here.", next.Topic)
	next.Stage = operations.StageScript
	return next, reply("Here is your script draft. Say \"approve\" to generate the banner."), nil
}

func (s *Scripted) chat(state operations.SessionState, message string) (operations.SessionState, json.RawMessage, error) {
	next := state
	switch state.Stage {
	case operations.StageSourceSelection:
		return next, reply("Pick sources by number, e.g. \"1, 2\"."), nil
	case operations.StageScript:
		return next, reply("Tell me what to change in the script, or say \"approve\"."), nil
	case operations.StageBanner:
		return next, reply("Say \"approve\" to continue to audio generation."), nil
	case operations.StageComplete:
		return next, reply("This podcast is complete. Start a new session for another one."), nil
	default:
		if next.Topic == "" && message != "" {
			next.Topic = message
		}
		return next, reply("Got it. Ask me to search the web when you want sources."), nil
	}
}

// parseSelection extracts 1-based source indexes from a message like
// "1, 3" or "use 2 and 3".
func parseSelection(message string) []int {
	var selected []int
	for _, field := range strings.FieldsFunc(message, func(r rune) bool {
		return !unicode.IsDigit(r)
	}) {
		var n int
		if _, err := fmt.Sscanf(field, "%d", &n); err == nil && n > 0 {
			selected = append(selected, n)
		}
	}
	return selected
}

func reply(text string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"response": text})
	return payload
}
