package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RunNSInit is the entry point main.go dispatches to when argv[1]
// is the NSInitCommand sentinel. It already runs inside fresh mount,
// uts, ipc and user namespaces (granted via the supervisor's
// Cloneflags) and performs spec.md §4.5.1 states 3-9, grounded on
// original_source/src/container.rs's prepare_container_mountpoint,
// prepare_container_directories, prepare_container_networking,
// mount_container_directories and prepare_container_ids.
func RunNSInit(log *logrus.Entry) error {
	p, err := readPayload(payloadFD)
	if err != nil {
		return err
	}
	pidbackW := os.NewFile(pidbackFD, "pidback")

	if err := runNSInitStates(log, p); err != nil {
		return err
	}

	initCmd, err := startInitShim(p)
	if err != nil {
		return err
	}

	if err := writePidback(pidbackW, initCmd.Process.Pid); err != nil {
		log.WithError(err).Warn("failed to hand back container pid")
	}

	log.WithField("pid", initCmd.Process.Pid).Info("init shim started")
	if err := initCmd.Wait(); err != nil {
		return errors.Wrap(err, "nsinit: init shim exited with error")
	}
	return nil
}

func runNSInitStates(log *logrus.Entry, p *payload) error {
	// State 3: parent root marked recursive-private so child mounts
	// never leak back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errors.Wrap(err, "nsinit: marking root private")
	}

	// State 4: container root bind-mounted onto itself, required for
	// pivot_root to work against an overlay target.
	if err := unix.Mount(p.MergedDir, p.MergedDir, "", unix.MS_BIND|unix.MS_NOSUID, ""); err != nil {
		return errors.Wrap(err, "nsinit: bind-mounting container root")
	}
	if err := unix.Chdir(p.MergedDir); err != nil {
		return errors.Wrap(err, "nsinit: entering container root")
	}

	// State 5: auxiliary directories.
	for _, dir := range []string{"put_old", "dev", "sys", "proc", "old_proc"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "nsinit: preparing %s", dir)
		}
	}

	// State 6: host files and init shim bound in.
	if err := bindHostFile("/etc/hosts", "etc/hosts"); err != nil {
		return err
	}
	if err := bindHostFile("/etc/resolv.conf", "etc/resolv.conf"); err != nil {
		return err
	}
	if err := bindInitShim(p.TiniPath); err != nil {
		return err
	}

	// State 7: proc bound into old_proc (preserved for the inner stage
	// to unmount once it has its own fresh /proc); /dev bound in.
	if err := unix.Mount("/proc", "old_proc", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errors.Wrap(err, "nsinit: binding proc to old_proc")
	}
	if err := unix.Mount("/sys", "sys", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errors.Wrap(err, "nsinit: binding sys")
	}
	if err := unix.Mount("/dev", "dev", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return errors.Wrap(err, "nsinit: binding dev")
	}

	// Supplemented feature, spec.md §6's --volume flag: host bind
	// mounts layered on top of the overlay, applied once the container
	// root is otherwise fully prepared.
	if err := bindVolumes(p.Volumes); err != nil {
		return err
	}

	// State 8: cgroup hierarchy.
	if p.CgroupRequested {
		if err := mountCgroups("sys/fs/cgroup"); err != nil {
			log.WithError(err).Warn("cgroup mount failed, continuing without it")
		}
	}

	// State 9: id maps. Written directly by this process since it
	// already holds full capabilities inside its own fresh user
	// namespace, matching original_source/src/container.rs's
	// prepare_container_ids (open/write/close on /proc/self/*).
	if err := writeIDMaps(p.HostUID, p.HostGID); err != nil {
		return err
	}

	return nil
}

func bindHostFile(src, dst string) error {
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		f, ferr := os.Create(dst)
		if ferr != nil {
			return errors.Wrapf(ferr, "nsinit: creating %s", dst)
		}
		f.Close()
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return errors.Wrapf(err, "nsinit: binding %s", dst)
	}
	return nil
}

// bindVolumes bind-mounts each "hostpath:guestpath" entry onto the
// (already chdir'd-into) container root, creating the guest mountpoint
// if needed. Malformed entries are rejected outright rather than
// silently skipped, since a missing volume is exactly the kind of
// surprise a container author would want surfaced before pivot_root.
func bindVolumes(volumes []string) error {
	for _, v := range volumes {
		host, guest, ok := splitVolume(v)
		if !ok {
			return errors.Errorf("nsinit: malformed --volume %q, want hostpath:guestpath", v)
		}
		guest = strings.TrimPrefix(guest, "/")
		if err := os.MkdirAll(guest, 0o755); err != nil {
			return errors.Wrapf(err, "nsinit: preparing volume mountpoint %s", guest)
		}
		if err := unix.Mount(host, guest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return errors.Wrapf(err, "nsinit: binding volume %s", v)
		}
	}
	return nil
}

func splitVolume(v string) (host, guest string, ok bool) {
	idx := strings.LastIndex(v, ":")
	if idx <= 0 || idx == len(v)-1 {
		return "", "", false
	}
	return v[:idx], v[idx+1:], true
}

func bindInitShim(tiniPath string) error {
	const dst = "sbin/tini"
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "nsinit: preparing sbin")
	}
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		f, ferr := os.Create(dst)
		if ferr != nil {
			return errors.Wrap(ferr, "nsinit: creating sbin/tini placeholder")
		}
		f.Close()
	}
	if _, err := os.Stat(tiniPath); err != nil {
		// No packaged init shim available; the initshim stage falls
		// back to its own pure-Go reaper, so leave the placeholder
		// file unmounted rather than failing container creation.
		return nil
	}
	if err := unix.Mount(tiniPath, dst, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrap(err, "nsinit: binding init shim")
	}
	return nil
}

// mountCgroups mounts a cgroup-v2 unified hierarchy at base, falling
// back to nothing fancier: spec.md §4.5.1 permits "cgroup-v2 single
// mount" explicitly, and the codebase does not program per-subsystem
// v1 limits. No cgroup limits are written: the Spec's
// linux.resources.devices entries are carried but never applied.
func mountCgroups(base string) error {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	return unix.Mount("cgroup2", base, "cgroup2", 0, "")
}

// writeIDMaps maps container uid/gid 0 onto the real host uid/gid the
// supervisor ran as, per spec.md §4.5.1 state 9's generic rule
// ("<target-id> <host-id> 1"): an unprivileged host user running as
// uid 1000 sees uid 0 inside the container while /proc/self/uid_map
// reads "0 1000 1" (spec.md §8 scenario 5), not "0 0 1" regardless of
// the invoking user.
func writeIDMaps(hostUID, hostGID uint32) error {
	uidMap := fmt.Sprintf("0 %d 1\n", hostUID)
	if err := os.WriteFile("/proc/self/uid_map", []byte(uidMap), 0o644); err != nil {
		return errors.Wrap(err, "nsinit: writing uid_map")
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil {
		return errors.Wrap(err, "nsinit: denying setgroups")
	}
	gidMap := fmt.Sprintf("0 %d 1\n", hostGID)
	if err := os.WriteFile("/proc/self/gid_map", []byte(gidMap), 0o644); err != nil {
		return errors.Wrap(err, "nsinit: writing gid_map")
	}
	return nil
}

// startInitShim execs /proc/self/exe __minato_initshim__ with a fresh
// pid namespace (and net namespace when requested, Open Question (b)
// from spec.md §9): the "inner fork" of spec.md §4.5.2, producing the
// process that becomes PID 1 of the container.
func startInitShim(p *payload) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "nsinit: resolving self executable")
	}

	payloadR, payloadW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "nsinit: creating inner payload pipe")
	}

	cloneflags := uintptr(unix.CLONE_NEWPID)
	if p.NetworkRequested {
		cloneflags |= unix.CLONE_NEWNET
	}

	cmd := exec.Command(self, InitShimCommand)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Dir = p.MergedDir
	cmd.ExtraFiles = []*os.File{payloadR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: cloneflags}

	if err := cmd.Start(); err != nil {
		payloadR.Close()
		payloadW.Close()
		return nil, errors.Wrap(err, "nsinit: starting init shim")
	}
	payloadR.Close()
	if err := writePayload(payloadW, p); err != nil {
		return nil, errors.Wrap(err, "nsinit: handing payload to init shim")
	}
	return cmd, nil
}
