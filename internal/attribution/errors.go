package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

// ErrNilIndex is returned when the service is handed an index that is not
// loaded.
var ErrNilIndex = errors.New("corpus index not loaded")

// checkDeadline returns a timeout error once ctx is done. Stage names the unit
// of work that observed the expiry.
func checkDeadline(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrTimeout, stage, err)
	}
	return nil
}

// IsCorruption reports whether err signals an index invariant violation.
func IsCorruption(err error) bool {
	return errors.Is(err, corpus.ErrCorrupt)
}
