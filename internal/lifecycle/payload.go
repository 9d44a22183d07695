package lifecycle

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/minato-run/minato/internal/spec"
)

// payload is the single JSON blob computed once by the supervisor and
// carried across both re-exec boundaries on an inherited pipe fd, so
// neither __minato_nsinit__ nor __minato_initshim__ ever re-derives a
// path by re-reading config.json mid-sequence (spec.md §9).
type payload struct {
	ContainerID      string    `json:"container_id"`
	ContainerDir     string    `json:"container_dir"`
	MergedDir        string    `json:"merged_dir"`
	TiniPath         string    `json:"tini_path"`
	NetworkRequested bool      `json:"network_requested"`
	CgroupRequested  bool      `json:"cgroup_requested"`
	Spec             spec.Spec `json:"spec"`

	// HostUID/HostGID are the supervisor's real os.Getuid()/os.Getgid()
	// at the time Run was called, captured before any re-exec so that
	// writeIDMaps, running already inside a fresh user namespace where
	// Getuid only ever reports the overflow id, can still write the
	// true "<target-id> <host-id> 1" mapping spec.md §4.5.1 state 9
	// asks for.
	HostUID uint32 `json:"host_uid"`
	HostGID uint32 `json:"host_gid"`

	// Volumes is a list of "hostpath:guestpath" bind mounts, spec.md
	// §6's --volume flag, applied by nsinit after the auxiliary
	// directories are in place.
	Volumes []string `json:"volumes,omitempty"`
}

// payloadFD is the file descriptor number every re-exec'd stage finds
// its inherited payload pipe on — fd 0,1,2 are stdio, so 3 is the
// first descriptor exec.Cmd.ExtraFiles guarantees.
const payloadFD = 3

// pidbackFD carries the pid handback: __minato_nsinit__ writes
// __minato_initshim__'s pid here once it is known, so the true
// supervisor (nsinit's parent, which never starts initshim itself and
// so cannot learn its pid otherwise) can attach networking and write
// the container pid file against the right process.
const pidbackFD = 4

func writePayload(w *os.File, p *payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "lifecycle: marshaling payload")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "lifecycle: writing payload")
	}
	return w.Close()
}

func readPayload(fd int) (*payload, error) {
	f := os.NewFile(uintptr(fd), "payload")
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle: reading payload")
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "lifecycle: parsing payload")
	}
	return &p, nil
}

func writePidback(w *os.File, pid int) error {
	data, err := json.Marshal(pid)
	if err != nil {
		return errors.Wrap(err, "lifecycle: marshaling pidback")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "lifecycle: writing pidback")
	}
	return w.Close()
}

func readPidback(fd int) (int, error) {
	f := os.NewFile(uintptr(fd), "pidback")
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, errors.Wrap(err, "lifecycle: reading pidback")
	}
	var pid int
	if err := json.Unmarshal(data, &pid); err != nil {
		return 0, errors.Wrap(err, "lifecycle: parsing pidback")
	}
	return pid, nil
}
