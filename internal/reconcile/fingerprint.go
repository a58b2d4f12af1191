package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"convsync/internal/models"
)

// fingerprint is a deterministic content hash over the normalized fields
// that identify a message when no shared id is available. Two records
// with equal fingerprints and timestamps within the dedup epsilon are the
// same logical message.
func fingerprint(m *models.Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t|%s|%s", m.ConversationID, m.Kind, m.FromMe, m.Author, m.NormalizedBody())
	if m.Media != nil {
		fmt.Fprintf(h, "|%s|%s", m.Media.URL, m.Media.MimeType)
	}
	if m.Location != nil {
		fmt.Fprintf(h, "|%.5f|%.5f", m.Location.Latitude, m.Location.Longitude)
	}
	if m.Order != nil {
		fmt.Fprintf(h, "|%s|%d", m.Order.OrderID, m.Order.TotalCent)
	}
	if m.Call != nil {
		fmt.Fprintf(h, "|%d|%t", m.Call.DurationSec, m.Call.Missed)
	}
	return hex.EncodeToString(h.Sum(nil))
}
