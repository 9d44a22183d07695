// Package spec implements the in-memory runtime config model described
// in spec.md §3 (Spec) and §4.1 (C2): process args/env/user, requested
// namespaces, hostname, and the devices-cgroup subset of linux.resources.
package spec

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Namespace is one kernel namespace kind a container can request.
// spec.md §9 asks for the namespace set to be modeled as "a set of a
// small enumeration", not scattered flag bits, so both the unshare-flag
// derivation and the /proc/<pid>/ns/<kind> path derivation (lifecycle
// engine) consume this same type.
type Namespace string

const (
	NamespacePID     Namespace = "pid"
	NamespaceMount   Namespace = "mount"
	NamespaceUTS     Namespace = "uts"
	NamespaceIPC     Namespace = "ipc"
	NamespaceUser    Namespace = "user"
	NamespaceCgroup  Namespace = "cgroup"
	NamespaceNetwork Namespace = "network"
)

// ProcFSName is the name this namespace kind has under /proc/<pid>/ns/.
func (n Namespace) ProcFSName() string {
	switch n {
	case NamespacePID:
		return "pid"
	case NamespaceMount:
		return "mnt"
	case NamespaceUTS:
		return "uts"
	case NamespaceIPC:
		return "ipc"
	case NamespaceUser:
		return "user"
	case NamespaceCgroup:
		return "cgroup"
	case NamespaceNetwork:
		return "net"
	default:
		return string(n)
	}
}

// User mirrors spec.md §3's process.user subset.
type User struct {
	UID            uint32   `json:"uid"`
	GID            uint32   `json:"gid"`
	AdditionalGIDs []uint32 `json:"additional_gids,omitempty"`
}

// Process mirrors spec.md §3's process.* subset.
type Process struct {
	Args []string `json:"args"`
	Env  []string `json:"env"`
	User User     `json:"user"`
}

// DeviceRule mirrors spec.md §3's linux.resources.devices entries.
type DeviceRule struct {
	Allow  bool   `json:"allow"`
	Type   string `json:"type"` // "a", "c", "b"
	Major  *int64 `json:"major,omitempty"`
	Minor  *int64 `json:"minor,omitempty"`
	Access string `json:"access"` // subset of "rwm"
}

// Resources mirrors spec.md §3's linux.resources subset.
type Resources struct {
	Devices []DeviceRule `json:"devices,omitempty"`
}

// Linux mirrors spec.md §3's linux.* subset.
type Linux struct {
	Namespaces []Namespace `json:"namespaces"`
	Resources  Resources   `json:"resources"`
}

// Spec is the full in-memory runtime config, spec.md §3.
type Spec struct {
	Hostname string  `json:"hostname"`
	Process  Process `json:"process"`
	Linux    Linux   `json:"linux"`
}

// HasNamespace reports whether kind is among s.Linux.Namespaces.
func (s *Spec) HasNamespace(kind Namespace) bool {
	for _, n := range s.Linux.Namespaces {
		if n == kind {
			return true
		}
	}
	return false
}

// dedupeNamespaces preserves first-seen order while dropping repeats,
// enforcing spec.md §4.1's "namespaces uniqueness by kind" load
// invariant.
func dedupeNamespaces(in []Namespace) []Namespace {
	seen := make(map[Namespace]bool, len(in))
	out := make([]Namespace, 0, len(in))
	for _, n := range in {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Validate enforces spec.md §3's invariants: process.args[0] non-empty,
// and the standard OCI rule that "mount" must be requested whenever
// "pid" or "network" is requested.
func (s *Spec) Validate() error {
	if len(s.Process.Args) == 0 || s.Process.Args[0] == "" {
		return errors.New("spec: process.args must be non-empty with a non-empty args[0]")
	}
	needsMount := s.HasNamespace(NamespacePID) || s.HasNamespace(NamespaceNetwork)
	if needsMount && !s.HasNamespace(NamespaceMount) {
		return errors.New("spec: linux.namespaces must include \"mount\" whenever \"pid\" or \"network\" are requested")
	}
	return nil
}

// Default returns the embedded canonical default document: hostname
// "minato", process "/bin/sh", standard env, and the full namespace set
// excluding cgroup and network (spec.md §4.1).
func Default() *Spec {
	return &Spec{
		Hostname: "minato",
		Process: Process{
			Args: []string{"/bin/sh"},
			Env: []string{
				"PATH=/bin:/sbin:/usr/bin:/usr/sbin:/usr/local/bin",
				"TERM=xterm-256color",
				"LC_ALL=C",
			},
			User: User{UID: 0, GID: 0},
		},
		Linux: Linux{
			Namespaces: []Namespace{
				NamespacePID,
				NamespaceMount,
				NamespaceUTS,
				NamespaceIPC,
				NamespaceUser,
			},
		},
	}
}

// Load parses a Spec document from path, enforcing load-time invariants.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading spec %s", path)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "parsing spec %s", path)
	}
	s.Linux.Namespaces = dedupeNamespaces(s.Linux.Namespaces)
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "spec %s failed validation", path)
	}
	return &s, nil
}

// Save writes s to path as JSON. Atomic rename is not required by
// spec.md §4.1.
func Save(path string, s *Spec) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling spec")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing spec %s", path)
	}
	return nil
}
