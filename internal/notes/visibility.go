package notes

import (
	"strings"

	"partyjournal/api/internal/rbac"
)

// Visibility tags on a note. personal: and shared: carry user ids after the
// colon.
const (
	VisibilityParty  = "party"
	VisibilityDMOnly = "dm-only"

	personalPrefix = "personal:"
	sharedPrefix   = "shared:"
)

type VisibilityKind int

const (
	VisUnknown VisibilityKind = iota
	VisParty
	VisDMOnly
	VisPersonal
	VisShared
)

type ParsedVisibility struct {
	Kind VisibilityKind
	// UID is set for personal: visibility.
	UID string
	// UIDs is set for shared: visibility.
	UIDs []string
}

func ParseVisibility(visibility string) ParsedVisibility {
	switch {
	case visibility == VisibilityParty:
		return ParsedVisibility{Kind: VisParty}
	case visibility == VisibilityDMOnly:
		return ParsedVisibility{Kind: VisDMOnly}
	case strings.HasPrefix(visibility, personalPrefix):
		return ParsedVisibility{Kind: VisPersonal, UID: strings.TrimPrefix(visibility, personalPrefix)}
	case strings.HasPrefix(visibility, sharedPrefix):
		rest := strings.TrimPrefix(visibility, sharedPrefix)
		var uids []string
		for _, part := range strings.Split(rest, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				uids = append(uids, trimmed)
			}
		}
		return ParsedVisibility{Kind: VisShared, UIDs: uids}
	default:
		return ParsedVisibility{Kind: VisUnknown}
	}
}

// CanRead reports whether the user may see the note. Any journal role grants
// read in principle; the note's visibility tag narrows it down.
func CanRead(note *Note, userID string, role rbac.Role) bool {
	if note == nil || !rbac.Can(role, rbac.ActionRead) {
		return false
	}
	if userID != "" && note.CreatedBy == userID {
		return true
	}
	switch vis := ParseVisibility(note.Visibility); vis.Kind {
	case VisParty:
		return userID != ""
	case VisDMOnly:
		return note.CreatedBy == userID
	case VisPersonal:
		return vis.UID == userID
	case VisShared:
		if userID == "" {
			return false
		}
		for _, uid := range vis.UIDs {
			if uid == userID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CanEdit reports whether the user may change the note: write-capable role
// plus read access.
func CanEdit(note *Note, userID string, role rbac.Role) bool {
	if !rbac.Can(role, rbac.ActionWrite) {
		return false
	}
	return CanRead(note, userID, role)
}
