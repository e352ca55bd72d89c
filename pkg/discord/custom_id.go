package discord

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// Custom-id verbs. The record id follows after a dash, e.g. "approve-42".
const (
	verbApprove = "approve"
	verbEdit    = "edit"
	verbReject  = "reject"
)

// BuildCustomID encodes a decision button's custom id for a record.
func BuildCustomID(decision model.Decision, recordID string) string {
	switch decision {
	case model.DecisionApproved:
		return verbApprove + "-" + recordID
	case model.DecisionEdited:
		return verbEdit + "-" + recordID
	case model.DecisionRejected:
		return verbReject + "-" + recordID
	}
	return ""
}

// ParseCustomID decodes a button custom id into a decision and record id.
// Record ids may contain dashes, so only the first dash separates the verb.
func ParseCustomID(customID string) (model.Decision, string, error) {
	verb, recordID, ok := strings.Cut(customID, "-")
	if !ok || recordID == "" {
		return "", "", eris.Errorf("discord: malformed custom id %q", customID)
	}
	switch verb {
	case verbApprove:
		return model.DecisionApproved, recordID, nil
	case verbEdit:
		return model.DecisionEdited, recordID, nil
	case verbReject:
		return model.DecisionRejected, recordID, nil
	default:
		return "", "", eris.Errorf("discord: unknown verb %q in custom id", verb)
	}
}

// ReviewButtons builds the standard approve/edit/reject row for a record.
func ReviewButtons(recordID string) ActionRow {
	return NewActionRow(
		NewButton(StyleSuccess, "Approve", BuildCustomID(model.DecisionApproved, recordID)),
		NewButton(StylePrimary, "Edit", BuildCustomID(model.DecisionEdited, recordID)),
		NewButton(StyleDanger, "Reject", BuildCustomID(model.DecisionRejected, recordID)),
	)
}
