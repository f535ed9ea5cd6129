package selection

import (
	"github.com/vidgrep/vidgrep/internal/catalog"
)

// Filter is a compiled selection policy, ready for the artifact store to
// fold into its queries.
type Filter struct {
	Mode catalog.SelectionMode

	// Profile filter (mode == profile).
	Profile catalog.ModelProfile

	// Pin filters (mode == pinned). ArtifactID may stay empty.
	RunID      string
	ArtifactID string

	// QualityOrder asks the store to order high_quality > balanced > fast
	// ahead of the span ordering (mode == best_quality).
	QualityOrder bool
}

// Compile turns a policy into its filter. A nil policy compiles to the
// default (no filtering).
func Compile(p *catalog.SelectionPolicy) Filter {
	if p == nil {
		return Filter{Mode: catalog.SelectionDefault}
	}
	f := Filter{Mode: p.Mode}
	switch p.Mode {
	case catalog.SelectionProfile:
		f.Profile = p.PreferredProfile
	case catalog.SelectionPinned:
		f.RunID = p.PinnedRunID
		f.ArtifactID = p.PinnedArtifactID
	case catalog.SelectionBestQuality:
		f.QualityOrder = true
	}
	return f
}

// Default is the no-op filter.
func Default() Filter {
	return Filter{Mode: catalog.SelectionDefault}
}

// Latest filters to the run with the newest envelopes.
func Latest() Filter {
	return Filter{Mode: catalog.SelectionLatest}
}
