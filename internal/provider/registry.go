package provider

import (
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"
)

// Mode names a Client implementation.
type Mode string

const (
	ModeLive    Mode = "live"    // Every operation hits the remote drive
	ModeDryRun  Mode = "dryrun"  // Reads hit the remote drive, mutations are absorbed
	ModeOffline Mode = "offline" // Nothing touches the network
)

// ModeFor picks the mode matching the dry-run and offline switches.
// Offline implies a dry run.
func ModeFor(dryRun, offline bool) Mode {
	switch {
	case offline:
		return ModeOffline
	case dryRun:
		return ModeDryRun
	default:
		return ModeLive
	}
}

// Settings carries everything a Factory may need to build a Client.
type Settings struct {
	APIURL     string       // Graph base URL; empty means the public endpoint
	Authoriser Authoriser   // Credential source for live requests
	HTTPClient *http.Client // Transport; nil means a default client
	Logger     *zap.Logger  // nil means no logging
}

// Factory builds a Client. It receives the registry so that decorating
// modes can build the mode they wrap.
type Factory func(r *Registry, s Settings) (Client, error)

// Registry maps modes to the factories that build them. Selection happens
// once at startup; the chosen Client is then injected into the engine.
type Registry struct {
	factories map[Mode]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Mode]Factory),
	}
}

// Register adds a factory for mode, replacing any earlier one
func (r *Registry) Register(mode Mode, factory Factory) {
	r.factories[mode] = factory
}

// Modes returns the registered modes in sorted order.
func (r *Registry) Modes() []Mode {
	modes := make([]Mode, 0, len(r.factories))
	for m := range r.factories {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

// New builds the Client registered for mode.
func (r *Registry) New(mode Mode, s Settings) (Client, error) {
	factory, ok := r.factories[mode]
	if !ok {
		return nil, fmt.Errorf("no client registered for mode %q", mode)
	}

	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	client, err := factory(r, s)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", mode, err)
	}
	return client, nil
}
