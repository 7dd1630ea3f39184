package connectors

import (
	"testing"

	"go.uber.org/zap"
)

func testRegistry(t *testing.T, manifests ...Manifest) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	if err := r.Replace(manifests); err != nil {
		t.Fatal(err)
	}
	return r
}

func manifest(id, version string) Manifest {
	return Manifest{ID: id, Version: version, Type: TypeAction}
}

func withPeers(m Manifest, peers map[string]string) Manifest {
	m.Dependencies.Peers = peers
	return m
}

func TestResolveHighestCompatibleWithPeer(t *testing.T) {
	reg := testRegistry(t,
		withPeers(manifest("A", "1.0.0"), map[string]string{"B": ">=1.0.0 <2.0.0"}),
		manifest("B", "1.2.0"),
		manifest("B", "2.0.0"),
	)
	res := NewResolver(reg, HighestCompatible).Resolve([]Requirement{{ID: "A", Range: "*"}}, nil)
	if !res.Success {
		t.Fatalf("resolve failed: %s", res.Error)
	}
	if res.Versions["A"] != "1.0.0" || res.Versions["B"] != "1.2.0" {
		t.Errorf("versions: %v", res.Versions)
	}
}

func TestResolveLockfilePinning(t *testing.T) {
	reg := testRegistry(t,
		withPeers(manifest("A", "1.0.0"), map[string]string{"B": ">=1.0.0 <2.0.0"}),
		manifest("B", "1.2.0"),
		manifest("B", "2.0.0"),
	)
	r := NewResolver(reg, HighestCompatible)

	res := r.Resolve([]Requirement{{ID: "A", Range: "*"}}, map[string]string{"B": "1.2.0"})
	if !res.Success || res.Versions["B"] != "1.2.0" {
		t.Fatalf("compatible pin: %+v", res)
	}

	res = r.Resolve([]Requirement{{ID: "A", Range: "*"}}, map[string]string{"B": "2.0.0"})
	if res.Success {
		t.Fatalf("pin outside peer range must fail, got %v", res.Versions)
	}
	if res.Error == "" {
		t.Error("failure should carry a message")
	}
}

func TestResolveBacktracksAcrossVersions(t *testing.T) {
	// A@2 needs B@2 which conflicts with required C; A@1 needs B@1 which is
	// fine. The resolver must fall back to A@1.
	b2 := manifest("B", "2.0.0")
	b2.ConflictRules.IncompatibleWith = []string{"C@>=1.0.0"}
	reg := testRegistry(t,
		withPeers(manifest("A", "2.0.0"), map[string]string{"B": ">=2.0.0"}),
		withPeers(manifest("A", "1.0.0"), map[string]string{"B": ">=1.0.0 <2.0.0"}),
		manifest("B", "1.5.0"),
		b2,
		manifest("C", "1.0.0"),
	)
	res := NewResolver(reg, HighestCompatible).Resolve([]Requirement{
		{ID: "A", Range: "*"},
		{ID: "C", Range: ">=1.0.0"},
	}, nil)
	if !res.Success {
		t.Fatalf("resolve failed: %s", res.Error)
	}
	if res.Versions["A"] != "1.0.0" || res.Versions["B"] != "1.5.0" || res.Versions["C"] != "1.0.0" {
		t.Errorf("versions: %v", res.Versions)
	}
}

func TestResolveFailFastStopsAtFirstViolation(t *testing.T) {
	b2 := manifest("B", "2.0.0")
	b2.ConflictRules.IncompatibleWith = []string{"C@>=1.0.0"}
	reg := testRegistry(t,
		withPeers(manifest("A", "2.0.0"), map[string]string{"B": ">=2.0.0"}),
		withPeers(manifest("A", "1.0.0"), map[string]string{"B": ">=1.0.0 <2.0.0"}),
		manifest("B", "1.5.0"),
		b2,
		manifest("C", "1.0.0"),
	)
	res := NewResolver(reg, FailFast).Resolve([]Requirement{
		{ID: "A", Range: "*"},
		{ID: "C", Range: ">=1.0.0"},
	}, nil)
	if res.Success {
		t.Fatalf("fail-fast should not backtrack, got %v", res.Versions)
	}
}

func TestResolvePreferStable(t *testing.T) {
	reg := testRegistry(t,
		manifest("A", "2.0.0-beta.1"),
		manifest("A", "1.9.0"),
	)
	res := NewResolver(reg, PreferStable).Resolve([]Requirement{{ID: "A", Range: "*"}}, nil)
	if !res.Success || res.Versions["A"] != "1.9.0" {
		t.Fatalf("prefer-stable: %+v", res)
	}

	res = NewResolver(reg, HighestCompatible).Resolve([]Requirement{{ID: "A", Range: "*"}}, nil)
	if !res.Success || res.Versions["A"] != "2.0.0-beta.1" {
		t.Fatalf("highest-compatible: %+v", res)
	}
}

func TestResolveConnectorDependenciesAreHard(t *testing.T) {
	a := manifest("A", "1.0.0")
	a.Dependencies.Connectors = map[string]string{"D": "^1.0.0"}
	reg := testRegistry(t, a, manifest("D", "1.3.0"), manifest("D", "2.0.0"))

	res := NewResolver(reg, HighestCompatible).Resolve([]Requirement{{ID: "A", Range: "*"}}, nil)
	if !res.Success || res.Versions["D"] != "1.3.0" {
		t.Fatalf("connector deps: %+v", res)
	}
}

func TestResolveUnknownConnector(t *testing.T) {
	reg := testRegistry(t, manifest("A", "1.0.0"))
	res := NewResolver(reg, HighestCompatible).Resolve([]Requirement{{ID: "missing", Range: "*"}}, nil)
	if res.Success || res.Error == "" {
		t.Fatalf("unknown connector should fail: %+v", res)
	}
}

func TestResolutionErrorKind(t *testing.T) {
	err := ResolutionError(Resolution{Success: false, Error: "boom"})
	if err == nil {
		t.Fatal("expected error")
	}
	if ResolutionError(Resolution{Success: true}) != nil {
		t.Error("success should map to nil")
	}
}
