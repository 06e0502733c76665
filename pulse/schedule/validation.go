package schedule

import (
	"strings"

	"github.com/teranos/groupcast/internal/httpclient"
	"github.com/teranos/groupcast/pulse/recurrence"
)

// ValidationError rejects a job definition. It wraps errors.ErrInvalidRequest.
type ValidationError = recurrence.ValidationError

var messageKinds = map[string]bool{
	KindText:     true,
	KindImage:    true,
	KindAudio:    true,
	KindVideo:    true,
	KindDocument: true,
}

// normalizeKind lowercases and trims kind, defaulting to text.
func normalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return KindText
	}
	return k
}

// validateMessage checks and normalizes the message part of spec in place.
func validateMessage(spec *JobSpec) error {
	spec.MessageKind = normalizeKind(spec.MessageKind)
	if !messageKinds[spec.MessageKind] {
		return recurrence.Invalid("message_type", "unsupported message type %q", spec.MessageKind)
	}

	spec.MediaURL = strings.TrimSpace(spec.MediaURL)
	spec.MessageText = strings.TrimSpace(spec.MessageText)

	if spec.MessageKind == KindText {
		if spec.MessageText == "" {
			return recurrence.Invalid("message_text", "required for text messages")
		}
		// A stray media URL on a text message is dropped, not sent.
		spec.MediaURL = ""
		return nil
	}

	if spec.MediaURL == "" {
		return recurrence.Invalid("media_url", "required for %s messages", spec.MessageKind)
	}
	if _, err := httpclient.ValidatePublicURL(spec.MediaURL); err != nil {
		return recurrence.Invalid("media_url", "%s", err.Error())
	}
	return nil
}

// validateTargets trims, dedupes by group id and requires at least one target.
func validateTargets(in []TargetSpec) ([]Target, error) {
	if len(in) == 0 {
		return nil, recurrence.Invalid("targets", "at least one target group is required")
	}
	seen := make(map[string]bool, len(in))
	out := make([]Target, 0, len(in))
	for i, t := range in {
		groupID := strings.TrimSpace(t.GroupID)
		channelID := strings.TrimSpace(t.ChannelID)
		if groupID == "" {
			return nil, recurrence.Invalid("targets", "target %d: group id is required", i)
		}
		if channelID == "" {
			return nil, recurrence.Invalid("targets", "target %d: channel id is required", i)
		}
		if seen[groupID] {
			continue
		}
		seen[groupID] = true
		out = append(out, Target{
			GroupID:   groupID,
			GroupName: strings.TrimSpace(t.GroupName),
			ChannelID: channelID,
			Position:  len(out),
		})
	}
	return out, nil
}
