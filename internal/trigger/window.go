package trigger

import (
	"strings"

	"wakelingo/internal/domain"
)

// transcriptWindow is the rolling text a phrase is matched against: the last
// finalized segment followed by the segment currently being recognized, so a
// phrase split across a finalization boundary still matches.
type transcriptWindow struct {
	carry string
}

func (w *transcriptWindow) update(event domain.TranscriptEvent) string {
	text := strings.TrimSpace(w.carry + " " + event.Text)
	if event.Kind == domain.TranscriptKindFinal {
		w.carry = strings.TrimSpace(event.Text)
	}
	return text
}
