package reconcile

import (
	"fmt"

	apperrors "convsync/internal/errors"
	"convsync/internal/models"
	"convsync/pkg/chatapi"
)

// millisThreshold separates second- from millisecond-precision
// timestamps. Anything below it is treated as seconds and scaled.
const millisThreshold = int64(1e12)

// normalize maps a raw server row onto the canonical message shape,
// branching on kind to extract only the fields that kind carries.
// Unknown kinds degrade to a text record holding the raw body. The only
// unrecoverable defect is a missing conversation id.
func normalize(raw chatapi.RawMessage, source models.Source) (*models.Message, error) {
	if raw.ConversationID == "" {
		return nil, apperrors.NewMalformedPayloadError(string(source), "conversation_id",
			fmt.Errorf("record has no conversation id"))
	}

	m := &models.Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		FromMe:         raw.FromMe,
		Author:         raw.Author,
		Timestamp:      normalizeTimestamp(raw.Timestamp, raw.CreatedAt),
		Status:         normalizeStatus(raw.Status),
	}

	body := raw.Body
	if body == "" {
		body = raw.Text
	}

	switch models.MessageKind(raw.Kind) {
	case models.KindText, "":
		m.Kind = models.KindText
		m.Body = body

	case models.KindImage, models.KindVideo, models.KindAudio, models.KindDocument, models.KindSticker:
		m.Kind = models.MessageKind(raw.Kind)
		m.Body = raw.Caption
		m.Media = &models.MediaPayload{
			URL:      raw.MediaURL,
			MimeType: raw.MimeType,
			Caption:  raw.Caption,
			FileName: raw.FileName,
			SizeB:    raw.FileSize,
		}

	case models.KindLocation:
		m.Kind = models.KindLocation
		lat, latErr := raw.Latitude.Float64()
		lon, lonErr := raw.Longitude.Float64()
		if latErr != nil || lonErr != nil {
			// Keep the record, drop the unusable coordinates.
			m.Kind = models.KindText
			m.Body = body
			break
		}
		m.Location = &models.LocationPayload{
			Latitude:  lat,
			Longitude: lon,
			Label:     raw.LocationLabel,
		}
		m.Body = raw.LocationLabel

	case models.KindOrder:
		m.Kind = models.KindOrder
		m.Body = body
		m.Order = &models.OrderPayload{
			OrderID:   raw.OrderID,
			ItemCount: raw.OrderItems,
			TotalCent: raw.OrderTotal,
			Currency:  raw.OrderCurrency,
		}

	case models.KindCallLog:
		m.Kind = models.KindCallLog
		m.Call = &models.CallPayload{
			DurationSec: raw.CallDuration,
			Missed:      raw.CallMissed,
			Video:       raw.CallVideo,
		}

	case models.KindPrivateNote:
		m.Kind = models.KindPrivateNote
		m.Body = body

	case models.KindReaction:
		m.Kind = models.KindReaction
		m.Body = raw.ReactionEmoji

	default:
		// Unknown kind: preserve whatever body came along as text.
		m.Kind = models.KindText
		m.Body = body
	}

	return m, nil
}

func normalizeTimestamp(ts, fallback int64) int64 {
	if ts == 0 {
		ts = fallback
	}
	if ts > 0 && ts < millisThreshold {
		ts *= 1000
	}
	return ts
}

func normalizeStatus(status string) models.DeliveryStatus {
	switch models.DeliveryStatus(status) {
	case models.DeliveryStatusPending, models.DeliveryStatusSent, models.DeliveryStatusFailed:
		return models.DeliveryStatus(status)
	}
	// A server row with no status is already delivered.
	return models.DeliveryStatusSent
}
