package intake

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

const conflictNamesShown = 3

type Decision struct {
	Status meeting.Status
	Reason string
}

// ResolveConflicts decides the initial status of a new meeting from the
// meetings it overlaps. Any overlap declines it; there is no weighting.
func ResolveConflicts(overlapping []meeting.Meeting) Decision {
	if len(overlapping) == 0 {
		return Decision{Status: meeting.StatusPending}
	}
	return Decision{Status: meeting.StatusDeclined, Reason: ConflictReason(overlapping)}
}

func ConflictReason(overlapping []meeting.Meeting) string {
	names := make([]string, 0, conflictNamesShown)
	for i, m := range overlapping {
		if i == conflictNamesShown {
			break
		}
		title := strings.TrimSpace(m.Title)
		if title == "" {
			title = "(untitled)"
		}
		names = append(names, title)
	}
	reason := "Scheduling conflict with: " + strings.Join(names, ", ")
	if extra := len(overlapping) - conflictNamesShown; extra > 0 {
		reason += fmt.Sprintf(" (+%d more)", extra)
	}
	return reason
}
