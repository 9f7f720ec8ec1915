package dqm

import (
	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Classifier assigns a request's template to a priority lane. Lane
// selection is policy, not mechanism; the manager only provides five
// independently scheduled, independently measured lanes.
type Classifier func(entry *models.QueryTemplateEntry) models.Tier

// DefaultClassifier routes cacheable templates to the cache lane and
// everything else to the template's queue hint.
func DefaultClassifier(entry *models.QueryTemplateEntry) models.Tier {
	if entry.Cacheable {
		return models.TierCache
	}
	return entry.QueueHint
}
