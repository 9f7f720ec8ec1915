package migration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conduitworks/conduit-engine/pkg/models"
	sqlutil "github.com/conduitworks/conduit-engine/pkg/sql"
)

// bootstrapFile is the on-disk shape of a connection's bootstrap query
// set: the templates that populate the query template catalog when the
// connection reaches the Current state.
type bootstrapFile struct {
	Queries []bootstrapQuery `yaml:"queries"`
}

type bootstrapQuery struct {
	QueryRef     int                 `yaml:"query_ref"`
	SQL          string              `yaml:"sql"`
	Queue        string              `yaml:"queue"`
	RequiresAuth bool                `yaml:"requires_auth"`
	Cacheable    bool                `yaml:"cacheable"`
	Parameters   map[string][]string `yaml:"parameters"`
}

// LoadBootstrap parses a bootstrap query set into catalog entries.
func LoadBootstrap(path string) ([]*models.QueryTemplateEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap set: %w", err)
	}

	var file bootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bootstrap set %s: %w", path, err)
	}

	entries := make([]*models.QueryTemplateEntry, 0, len(file.Queries))
	for _, q := range file.Queries {
		if q.SQL == "" {
			return nil, fmt.Errorf("bootstrap query %d has no sql", q.QueryRef)
		}
		validated := sqlutil.ValidateAndNormalize(q.SQL)
		if validated.Error != nil {
			return nil, fmt.Errorf("bootstrap query %d: %w", q.QueryRef, validated.Error)
		}
		hint := models.TierMedium
		if q.Queue != "" {
			parsed, ok := models.TierFromString(q.Queue)
			if !ok {
				return nil, fmt.Errorf("bootstrap query %d has unknown queue %q", q.QueryRef, q.Queue)
			}
			hint = parsed
		}

		required := make(map[models.ParamGroup][]string, len(q.Parameters))
		for group, keys := range q.Parameters {
			required[models.ParamGroup(group)] = keys
		}

		entries = append(entries, &models.QueryTemplateEntry{
			QueryRef:       q.QueryRef,
			SQL:            validated.NormalizedSQL,
			RequiredParams: required,
			RequiresAuth:   q.RequiresAuth,
			Cacheable:      q.Cacheable,
			QueueHint:      hint,
		})
	}
	return entries, nil
}
