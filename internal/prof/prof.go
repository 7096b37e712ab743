// Package prof wires host-side CPU/heap profiling into the simulated
// kernel. It captures samples with runtime/pprof, the same way any Go
// binary profiles itself, and uses the teacher's own google/pprof
// dependency (carried in its go.mod but never wired to anything) to
// merge separately-captured snapshots of the same kind into one
// profile.Profile a host `pprof` invocation can open. Profiles of
// different kinds (a CPU profile and a heap profile) cannot be merged.
package prof

import (
	"fmt"
	"io"
	"runtime/pprof"

	"github.com/google/pprof/profile"
)

// StartCPU begins writing a CPU profile to w and returns a func that
// stops it. Safe to call once; a second concurrent call fails the way
// runtime/pprof.StartCPUProfile itself does.
func StartCPU(w io.Writer) (stop func(), err error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return pprof.StopCPUProfile, nil
}

// WriteHeap writes a point-in-time heap profile to w, the same snapshot
// `go tool pprof` reads from a live process's /debug/pprof/heap.
func WriteHeap(w io.Writer) error {
	return pprof.Lookup("heap").WriteTo(w, 0)
}

// Merge parses every reader as a pprof-format profile and folds them
// into one with profile.Merge. All inputs must share the same sample and
// period types: profile.Merge rejects a mix such as a CPU profile and a
// heap profile, and Merge then returns that error.
func Merge(srcs ...io.Reader) (*profile.Profile, error) {
	profiles := make([]*profile.Profile, 0, len(srcs))
	for i, r := range srcs {
		p, err := profile.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("prof: parsing profile %d: %w", i, err)
		}
		profiles = append(profiles, p)
	}
	merged, err := profile.Merge(profiles)
	if err != nil {
		return nil, fmt.Errorf("prof: merging %d profiles: %w", len(profiles), err)
	}
	return merged, nil
}

// Summary is a one-line human-readable digest of a merged profile, the
// kind of line the boot log emits before writing the full profile to
// disk for later `go tool pprof` inspection.
func Summary(p *profile.Profile) string {
	types := make([]string, 0, len(p.SampleType))
	for _, st := range p.SampleType {
		types = append(types, st.Type)
	}
	return fmt.Sprintf("samples=%d types=%v duration=%dns", len(p.Sample), types, p.DurationNanos)
}
