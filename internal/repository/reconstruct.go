package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

// ReconstructSubscription resolves one export entry. The entry is either a
// serialized subscription or a bare channel URL. Missing channel details are
// filled from the cache; a missing creation time becomes now.
func ReconstructSubscription(entry string, cache model.ExportCache, now time.Time) (model.Subscription, error) {
	entry = strings.TrimSpace(entry)
	var s model.Subscription
	switch {
	case entry == "":
		return s, fmt.Errorf("empty export entry: %w", errs.ErrMalformedPayload)
	case strings.HasPrefix(entry, "{"):
		if err := json.Unmarshal([]byte(entry), &s); err != nil {
			return model.Subscription{}, fmt.Errorf("export entry: %v: %w", err, errs.ErrMalformedPayload)
		}
	default:
		s.Channel.URL = entry
	}
	if s.Channel.URL == "" {
		return model.Subscription{}, fmt.Errorf("export entry without channel url: %w", errs.ErrMalformedPayload)
	}
	if cached, ok := cache.Channels[s.Channel.URL]; ok {
		if s.Channel.Name == "" {
			s.Channel.Name = cached.Name
		}
		if s.Channel.Thumbnail == "" {
			s.Channel.Thumbnail = cached.Thumbnail
		}
	}
	if s.CreationTime.IsZero() {
		s.CreationTime = now.UTC()
	}
	return s, nil
}
