package fusion

import (
	"time"

	"github.com/golang/geo/r3"
)

// OutlierGate rejects measurements that jump further than MaxJumpMM from the
// last accepted position. A jumped-to position is held on probation and only
// replaces the tracked position once ProbationFrames consecutive
// measurements agree with it. Rejected measurements reach the wrapped
// estimator as lost, so it predicts through them.
type OutlierGate struct {
	Next            Estimator
	MaxJumpMM       float64
	ProbationFrames int

	ref        r3.Vector
	haveRef    bool
	candidate  r3.Vector
	probation  int
	rejected   uint64
	reacquired uint64
}

// NewOutlierGate wraps next with a jump gate.
func NewOutlierGate(next Estimator, maxJumpMM float64, probationFrames int) *OutlierGate {
	return &OutlierGate{Next: next, MaxJumpMM: maxJumpMM, ProbationFrames: probationFrames}
}

// Step implements Estimator.
func (g *OutlierGate) Step(m Measurement, dt time.Duration) Estimate {
	if !m.Lost && !g.accept(m.Position) {
		m = Measurement{Lost: true}
	}
	return g.Next.Step(m, dt)
}

func (g *OutlierGate) accept(p r3.Vector) bool {
	if !g.haveRef || p.Sub(g.ref).Norm() <= g.MaxJumpMM {
		g.ref, g.haveRef = p, true
		g.probation = 0
		return true
	}

	if g.probation > 0 && p.Sub(g.candidate).Norm() <= g.MaxJumpMM {
		g.probation++
	} else {
		g.probation = 1
	}
	g.candidate = p

	if g.probation >= g.ProbationFrames {
		g.ref = p
		g.probation = 0
		g.reacquired++
		return true
	}
	g.rejected++
	return false
}

// OnProbation reports whether a candidate position is being evaluated.
func (g *OutlierGate) OnProbation() bool { return g.probation > 0 }

// Rejected returns the number of measurements rejected so far.
func (g *OutlierGate) Rejected() uint64 { return g.rejected }

// Reacquired returns how many times a probation candidate was promoted.
func (g *OutlierGate) Reacquired() uint64 { return g.reacquired }
