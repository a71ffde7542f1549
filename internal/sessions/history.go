package sessions

import (
	"fmt"
	"strings"

	"github.com/turnstonelabs/turnstone/pkg/models"
)

// noticePreviewItems bounds how many packages or files the recreation notice
// names before summarising the rest.
const noticePreviewItems = 5

// recordHistoryLocked folds a cleaned-up session into the per-conversation
// history so the next GetOrCreate can explain what was lost. Caller holds
// m.mu. Sessions without a conversation leave no history.
func (m *Manager) recordHistoryLocked(s *session, reason models.CleanupReason) {
	conv := s.info.ConversationID
	if conv == "" {
		return
	}
	h, ok := m.history[conv]
	if !ok {
		h = &models.SessionHistory{ConversationID: conv}
		m.history[conv] = h
	}
	h.LastSessionID = s.info.SessionID
	h.LastCleanedAt = m.now()
	h.CleanupReason = reason
	h.InstalledPackages = append([]string(nil), s.info.InstalledPackages...)
	h.CreatedFiles = append([]string(nil), s.info.CreatedFiles...)
	h.TotalSessions++
	h.TotalCommands += s.info.CommandCount
}

// recreationNotice renders the message surfaced when a conversation returns
// after its sandbox was cleaned up. The new session starts fresh; the notice
// tells the model what it had so it can rebuild.
func recreationNotice(h *models.SessionHistory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous sandbox session ended because %s.", h.CleanupReason.Describe())
	if len(h.InstalledPackages) > 0 {
		fmt.Fprintf(&b, " Packages installed before: %s.", previewList(h.InstalledPackages))
	}
	if len(h.CreatedFiles) > 0 {
		fmt.Fprintf(&b, " Files created before: %s.", previewList(h.CreatedFiles))
	}
	b.WriteString(" This session starts fresh, so reinstall or recreate anything you still need.")
	return b.String()
}

func previewList(items []string) string {
	if len(items) <= noticePreviewItems {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more",
		strings.Join(items[:noticePreviewItems], ", "), len(items)-noticePreviewItems)
}
