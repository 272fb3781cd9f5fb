package docstore

import "freely/api/internal/store"

var transitions = map[store.Status][]store.Status{
	store.StatusPending:    {store.StatusProcessing, store.StatusFailed},
	store.StatusProcessing: {store.StatusCompleted, store.StatusFailed},
	// An explicit update request is the only way out of a terminal state.
	store.StatusCompleted: {store.StatusProcessing},
	store.StatusFailed:    {store.StatusProcessing},
}

func canTransition(from, to store.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
