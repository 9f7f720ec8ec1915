package engine

import (
	"fmt"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/logging"
)

// TranslateError wraps a driver-level fault as an engine failure with the
// underlying message sanitized. Adapters call this on every error that
// crosses back to the dispatch core, so that the gateway can distinguish
// engine runtime faults (422) from everything else.
func TranslateError(engineTag string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", apperrors.ErrEngineFailure, engineTag, logging.SanitizeError(err))
}
