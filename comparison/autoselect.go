package comparison

import (
	"errors"
	"math"
)

// ErrUnknownProvider is returned when a choice names a lab that is not
// among the current candidates.
var ErrUnknownProvider = errors.New("comparison: unknown provider choice")

type pickState int

const (
	// stateNone: nothing selected yet, or the selection is empty.
	stateNone pickState = iota
	// stateAuto: the engine picked the best candidate on its own.
	stateAuto
	// statePicked: the user picked a specific lab.
	statePicked
	// stateAll: the user picked the split view. Never left automatically.
	stateAll
)

// picker tracks whose offer is active across refreshes. An automatic pick
// is recomputed on every refresh; a user pick survives as long as its lab
// stays among the candidates; the split view survives unconditionally.
type picker struct {
	state    pickState
	provider string
}

// observe applies a fresh candidate list and returns the active choice and
// whether it was picked automatically.
func (p *picker) observe(cands []Candidate) (active string, autoPicked bool) {
	switch p.state {
	case stateAll:
		return ChoiceAll, false
	case statePicked:
		if hasProvider(cands, p.provider) {
			return p.provider, false
		}
		// The picked lab disappeared from the quoted set, fall back to an
		// automatic pick.
	}

	best := bestIndex(cands)
	if best < 0 {
		p.state = stateNone
		p.provider = ""
		return "", false
	}
	p.state = stateAuto
	p.provider = cands[best].Provider
	return p.provider, true
}

// choose records an explicit user choice. An empty choice clears back to
// automatic selection.
func (p *picker) choose(choice string, cands []Candidate) error {
	switch choice {
	case "":
		p.clear()
		return nil
	case ChoiceAll:
		p.state = stateAll
		p.provider = ChoiceAll
		return nil
	}
	if !hasProvider(cands, choice) {
		return ErrUnknownProvider
	}
	p.state = statePicked
	p.provider = choice
	return nil
}

func (p *picker) clear() {
	p.state = stateNone
	p.provider = ""
}

func hasProvider(cands []Candidate, provider string) bool {
	for i := range cands {
		if cands[i].Provider == provider {
			return true
		}
	}
	return false
}

// bestIndex ranks candidates by coverage, then by price. Strict comparisons
// keep the earlier candidate on ties, so the quoted order decides. An
// undefined price sorts last but does not disqualify the candidate.
func bestIndex(cands []Candidate) int {
	best := -1
	for i := range cands {
		if best == -1 {
			best = i
			continue
		}
		if cands[i].CoveredCount > cands[best].CoveredCount {
			best = i
			continue
		}
		if cands[i].CoveredCount < cands[best].CoveredCount {
			continue
		}
		if sortPrice(cands[i]) < sortPrice(cands[best]) {
			best = i
		}
	}
	return best
}

func sortPrice(c Candidate) float64 {
	if c.TotalNowGrosz == nil {
		return math.Inf(1)
	}
	return float64(*c.TotalNowGrosz)
}
