package promoter

import (
	"fmt"
	"strings"
)

// Phase is one step of the promotion protocol. Phases run in declaration order and each
// one visits every managed table before the next phase starts.
type Phase int

const (
	// PhaseBuildTmp recreates the tmp table as production plus the staged rows of the chunk set.
	PhaseBuildTmp Phase = iota + 1
	// PhasePromoteProd atomically replaces each production table with its tmp table.
	PhasePromoteProd
	// PhaseDeleteStagedChunks removes promoted rows from the staging tables.
	PhaseDeleteStagedChunks
	// PhaseCleanup drops the tmp tables. It always runs, even after a failure.
	PhaseCleanup
)

var phaseNames = map[Phase]string{
	PhaseBuildTmp:           "build_tmp",
	PhasePromoteProd:        "promote_prod",
	PhaseDeleteStagedChunks: "delete_staged_chunks",
	PhaseCleanup:            "cleanup",
}

// mainPhases run in order by Promote; cleanup is deferred separately.
var mainPhases = [...]Phase{PhaseBuildTmp, PhasePromoteProd, PhaseDeleteStagedChunks}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if _, ok := phaseNames[p]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPhase, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	phase, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = phase
	return nil
}

// ParsePhase maps a phase name to its Phase.
func ParsePhase(name string) (Phase, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for p, pn := range phaseNames {
		if pn == n {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownPhase, name, strings.Join(PhaseNames(), ", "))
}

// Phases returns every phase in execution order.
func Phases() []Phase {
	return []Phase{PhaseBuildTmp, PhasePromoteProd, PhaseDeleteStagedChunks, PhaseCleanup}
}

// PhaseNames returns the names of every phase in execution order.
func PhaseNames() []string {
	phases := Phases()
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.String()
	}
	return out
}
