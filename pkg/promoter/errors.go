package promoter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
)

var (
	// ErrConfiguration is the class of errors raised before any warehouse work starts.
	ErrConfiguration = errors.New("promoter configuration error")
	// ErrNoPromotableChunks is returned by New for an empty chunk set.
	ErrNoPromotableChunks = fmt.Errorf("%w: no promotable chunks", ErrConfiguration)
	// ErrUnknownPhase is returned for a phase name or value outside the protocol.
	ErrUnknownPhase = fmt.Errorf("%w: unknown phase", ErrConfiguration)
	// ErrMissingTmpTable is returned by promote_prod when the tmp table built in build_tmp is gone.
	ErrMissingTmpTable = errors.New("missing tmp table for promotion")
)

// PhaseError reports a failed warehouse job during build_tmp, promote_prod or delete_staged_chunks.
//
// Work already done is not rolled back. Completed lists the tables that finished the failing
// phase before Table failed; Replaced lists every production table swapped so far, including
// tables a resumed run started with. Managed is the number of tables the promoter manages.
type PhaseError struct {
	Phase     Phase            `json:"phase"`
	Table     entities.Table   `json:"table"`
	Completed []entities.Table `json:"completed,omitempty"`
	Replaced  []entities.Table `json:"replaced,omitempty"`
	Managed   int              `json:"managed"`
	Err       error            `json:"-"`
}

func (e *PhaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for table %s: %v", e.Phase, e.Table, e.Err)
	if e.Partial() {
		fmt.Fprintf(&b, " (production tables already replaced: %s)", strings.Join(entities.Strings(e.Replaced), ", "))
	}
	return b.String()
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Partial reports whether production tables were left at different chunk boundaries:
// some were replaced and at least one was not, whatever phase failed.
func (e *PhaseError) Partial() bool {
	return len(e.Replaced) > 0 && len(e.Replaced) < e.Managed
}

// AsPhaseError extracts a *PhaseError from err.
func AsPhaseError(err error) (*PhaseError, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
