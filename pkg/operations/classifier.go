package operations

import "strings"

// Classifier decides which operation type a chat message maps to, given the
// session's current stage. It is a pure function so dispatch policy can be
// tested (and swapped) independently of the dispatcher.
type Classifier func(stage Stage, message string) OperationType

// approvalPhrases are the confirmations that advance a session past a
// review stage.
var approvalPhrases = []string{"approve", "looks good"}

func containsApproval(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range approvalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func containsDigit(message string) bool {
	return strings.ContainsAny(message, "0123456789")
}

// Classify is the default rule table:
//
//	source_selection + a digit         -> script_generation
//	script + approval phrase           -> banner_generation
//	banner + approval phrase           -> audio_generation
//	welcome/searching + any message    -> search (the message is the topic)
//	"search ... web/internet" anywhere -> search
//	anything else                      -> chat
//
// Digits only count as a source selection while the session is actually at
// source_selection; a topic like "top 10 energy trends" sent at the script
// stage stays a chat message.
func Classify(stage Stage, message string) OperationType {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return OperationChat
	}

	switch stage {
	case StageSourceSelection:
		if containsDigit(trimmed) {
			return OperationScriptGeneration
		}
	case StageScript:
		if containsApproval(trimmed) {
			return OperationBannerGeneration
		}
	case StageBanner:
		if containsApproval(trimmed) {
			return OperationAudioGeneration
		}
	case StageWelcome, StageSearching:
		return OperationSearch
	}

	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "search") &&
		(strings.Contains(lower, "web") || strings.Contains(lower, "internet")) {
		return OperationSearch
	}

	return OperationChat
}
