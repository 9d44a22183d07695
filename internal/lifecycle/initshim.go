package lifecycle

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/minato-run/minato/internal/initshim"
)

// RunInitShim is the entry point main.go dispatches to when argv[1]
// is the InitShimCommand sentinel. This process is PID 1 of the
// container's new pid namespace. It performs spec.md §4.5.1 states
// 10-11 and then execs the init shim, grounded on
// original_source/src/container.rs's pivot_container_root,
// execute_inner_fork's child branch, and do_exec.
func RunInitShim(log *logrus.Entry) error {
	p, err := readPayload(payloadFD)
	if err != nil {
		return err
	}

	if err := pivotRoot(); err != nil {
		return err
	}
	if err := remountAfterPivot(); err != nil {
		return err
	}
	if err := unix.Sethostname([]byte(p.Spec.Hostname)); err != nil {
		return errors.Wrap(err, "initshim: setting hostname")
	}

	return execProcess(p)
}

// pivotRoot implements spec.md §4.5.1 state 10: pivot_root(".",
// "put_old"), detach-unmount put_old, remove it.
func pivotRoot() error {
	if err := unix.PivotRoot(".", "put_old"); err != nil {
		return errors.Wrap(err, "initshim: pivot_root")
	}
	if err := unix.Chdir("/"); err != nil {
		return errors.Wrap(err, "initshim: chdir to new root")
	}
	if err := unix.Unmount("/put_old", unix.MNT_DETACH); err != nil {
		return errors.Wrap(err, "initshim: detaching put_old")
	}
	if err := os.RemoveAll("/put_old"); err != nil {
		return errors.Wrap(err, "initshim: removing put_old")
	}
	return nil
}

// remountAfterPivot implements spec.md §4.5.1 state 11's mount half:
// fresh /proc, drop old_proc, bind-remount / read-only.
func remountAfterPivot() error {
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID, ""); err != nil {
		return errors.Wrap(err, "initshim: mounting fresh proc")
	}
	if err := unix.Unmount("/old_proc", unix.MNT_DETACH); err != nil {
		return errors.Wrap(err, "initshim: detaching old_proc")
	}
	if err := os.RemoveAll("/old_proc"); err != nil {
		return errors.Wrap(err, "initshim: removing old_proc")
	}
	if err := unix.Mount("/", "/", "", unix.MS_BIND|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_REMOUNT, ""); err != nil {
		return errors.Wrap(err, "initshim: remounting root read-only")
	}
	return nil
}

// execProcess implements spec.md §4.5.3: execve a statically-linked
// init binary bound at sbin/tini, with the Spec's process.args as its
// arguments. When the packager has not supplied tini (spec.md §6 says
// the runtime never vendors it), falls back to the pure-Go reaper in
// internal/initshim so the container still gets zombie reaping and
// signal forwarding.
func execProcess(p *payload) error {
	env := p.Spec.Process.Env
	args := p.Spec.Process.Args

	// nsinit leaves an empty placeholder at sbin/tini when no tini was
	// bound in, so only a non-empty file counts as a real init binary.
	if fi, err := os.Stat("/sbin/tini"); err == nil && fi.Size() > 0 {
		tiniArgs := append([]string{"/sbin/tini", "--"}, args...)
		return syscall.Exec("/sbin/tini", tiniArgs, env)
	}
	return initshim.Reap(args, env)
}
