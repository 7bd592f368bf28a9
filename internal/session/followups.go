package session

import "github.com/antoniostano/mira/internal/emotion"

// suggestFollowups offers gentle conversation prompts matched to the
// fused state. They are optional client hints; an empty list is a
// normal outcome.
func suggestFollowups(fused emotion.FusedState) []string {
	if fused.InsufficientSignal {
		return nil
	}
	switch fused.Dominant {
	case emotion.Sadness:
		return []string{
			"Would you like to talk about what's been weighing on you?",
			"What usually helps when you feel this way?",
		}
	case emotion.Anger:
		return []string{
			"What happened that brought this up?",
			"Would it help to walk through it step by step?",
		}
	case emotion.Fear:
		return []string{
			"What feels most uncertain right now?",
			"Is there one small step that might feel safer?",
		}
	case emotion.Happiness:
		return []string{
			"What made today feel good?",
			"Who would you like to share this with?",
		}
	case emotion.Surprise:
		return []string{
			"Was this unexpected in a good way?",
		}
	default:
		return nil
	}
}
