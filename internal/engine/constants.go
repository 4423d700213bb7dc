package engine

// Engine-wide tuning constants, gathered here even though several
// also live as the natural constant of the package that owns their
// algorithm (scores.DisplayGridWidth, som.GridWidth/GridHeight,
// features.TopKNNLimit, keywords.MaxNumTempQueries/KWTemporalSpan),
// so a reader can see the whole table at a glance.
const (
	DisplayGridWidth          = 6
	DisplayGridHeight         = 6
	SomDisplayGridWidth       = 8
	SomDisplayGridHeight      = 8
	TopNLimit                 = 10000
	TopKNNLimit               = 10000
	SomIters                  = 100000
	MaxNumTempQueries         = 2
	KWTemporalSpan            = 5
	TopNSelectedFramePosition = 2
	RandomDisplayWeight       = 3.0
	BayesSigma                = 0.1
	MaxOthers                 = 64
	MinimalScore              = 1e-12
	RandomDisplaySize         = 36
)
