package simulator

import (
	"context"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
)

// sliceStream replays a fixed slice of statuses, one per Next call,
// matching the pending-then-terminal shape real C-FIND/C-MOVE
// responses have.
type sliceStream struct {
	statuses []dicomwire.Status
	i        int
}

func (s *sliceStream) Next(ctx context.Context) (dicomwire.Status, bool, error) {
	if s.i >= len(s.statuses) {
		return dicomwire.Status{}, false, nil
	}
	st := s.statuses[s.i]
	s.i++
	return st, true, nil
}
