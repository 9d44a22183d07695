// Package lifecycle implements C6 (spec.md §4.5), the hard core: the
// overlay mount, the self-re-exec fork replacement across three
// stages, pivot_root, id maps, cgroup mounting, and the open/stop/
// cleanup operations. The state machine is grounded method-for-method
// on original_source/src/container.rs; the fork choreography itself is
// redesigned for Go per SPEC_FULL.md's REDESIGN NOTE, since Go cannot
// safely fork() a multithreaded runtime.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/minato-run/minato/internal/containerstore"
	"github.com/minato-run/minato/internal/imagestore"
	"github.com/minato-run/minato/internal/netfabric"
	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/spec"
)

// Hidden subcommand names __minato_nsinit__ and __minato_initshim__
// re-exec through. main.go intercepts these before cobra parses
// argv, the way dockerd-adjacent tools hide their "exec driver"
// reentry points from the public command tree.
const (
	NSInitCommand   = "__minato_nsinit__"
	InitShimCommand = "__minato_initshim__"
)

// Engine runs and tears down containers on behalf of the dispatcher.
type Engine struct {
	Net *netfabric.Fabric
	Log *logrus.Entry
}

func New(log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{Net: netfabric.New(log), Log: log}
}

// RunOptions controls how Run waits for the container and the optional
// volume/networking overrides from spec.md §6's "container run" flags.
type RunOptions struct {
	// Detach, when true, returns once the container pid is known
	// instead of blocking until it exits (spec.md §4.5.2's daemon
	// mode: "either waits for the child... or returns").
	Detach bool

	// Volumes is a list of "hostpath:guestpath" bind mounts to add on
	// top of the overlay, spec.md §6's --volume flag.
	Volumes []string

	// HostIP overrides the bridge's address (--host-ip); empty keeps
	// netfabric's default.
	HostIP string

	// ContainerIP overrides the deterministic per-container address
	// (--container-ip); empty falls back to containerAddress.
	ContainerIP string
}

// Run executes states 1-11 of spec.md §4.5.1 for an already-created
// container record. It always performs cleanup (§4.5.5) before
// returning, except in Detach mode where cleanup is deferred to Wait.
func (e *Engine) Run(ctx context.Context, rec *containerstore.Record, opts RunOptions) (*Handle, error) {
	log := e.Log.WithField("container", rec.ID)

	mergedDir := pathutil.ContainerMergedDir(rec.ID)
	if err := mountOverlay(rec.ID, mergedDir); err != nil {
		return nil, errors.Wrap(err, "lifecycle: mounting overlay")
	}
	log.Info("overlay filesystem mounted")

	p := &payload{
		ContainerID:      rec.ID,
		ContainerDir:     pathutil.ContainerDir(rec.ID),
		MergedDir:        mergedDir,
		TiniPath:         pathutil.TiniPath(),
		NetworkRequested: rec.Spec.HasNamespace(spec.NamespaceNetwork),
		CgroupRequested:  rec.Spec.HasNamespace(spec.NamespaceCgroup),
		Spec:             rec.Spec,
		Volumes:          opts.Volumes,
		// Captured here, outside any namespace, so nsinit's
		// writeIDMaps sees the real host identity rather than the
		// overflow uid/gid a fresh user namespace reports.
		HostUID: uint32(os.Getuid()),
		HostGID: uint32(os.Getgid()),
	}

	payloadR, payloadW, err := os.Pipe()
	if err != nil {
		_ = unmountOverlay(mergedDir)
		return nil, errors.Wrap(err, "lifecycle: creating payload pipe")
	}
	pidbackR, pidbackW, err := os.Pipe()
	if err != nil {
		_ = unmountOverlay(mergedDir)
		return nil, errors.Wrap(err, "lifecycle: creating pidback pipe")
	}

	self, err := os.Executable()
	if err != nil {
		_ = unmountOverlay(mergedDir)
		return nil, errors.Wrap(err, "lifecycle: resolving self executable")
	}

	nsCmd := exec.Command(self, NSInitCommand)
	nsCmd.Stdin, nsCmd.Stdout, nsCmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	nsCmd.ExtraFiles = []*os.File{payloadR, pidbackW}
	nsCmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWUSER,
	}

	log.Info("starting nsinit")
	if err := nsCmd.Start(); err != nil {
		_ = unmountOverlay(mergedDir)
		payloadR.Close()
		payloadW.Close()
		pidbackR.Close()
		pidbackW.Close()
		return nil, errors.Wrap(err, "lifecycle: starting nsinit")
	}
	payloadR.Close()
	pidbackW.Close()

	if err := writePayload(payloadW, p); err != nil {
		_ = nsCmd.Process.Kill()
		_ = unmountOverlay(mergedDir)
		return nil, errors.Wrap(err, "lifecycle: handing payload to nsinit")
	}

	containerPID, err := readPidback(int(pidbackR.Fd()))
	if err != nil {
		_ = nsCmd.Process.Kill()
		_ = unmountOverlay(mergedDir)
		return nil, errors.Wrap(err, "lifecycle: waiting for container pid handback")
	}
	log.WithField("pid", containerPID).Info("container process started")

	if err := os.WriteFile(pathutil.ContainerPIDPath(rec.ID), []byte(strconv.Itoa(containerPID)), 0o644); err != nil {
		log.WithError(err).Warn("failed to write pid file")
	}
	if err := containerstore.SetStatus(rec.ID, containerstore.StatusRunning, containerPID); err != nil {
		log.WithError(err).Warn("failed to persist running status")
	}

	if p.NetworkRequested {
		// Ordering guarantee (c), spec.md §5: a fixed settle delay
		// after the container pid is known, before the new network
		// namespace is reliably visible under /proc.
		time.Sleep(10 * time.Millisecond)
		if err := e.attachNetwork(ctx, rec.ID, containerPID, opts.HostIP, opts.ContainerIP); err != nil {
			log.WithError(err).Warn("network attach failed")
		}
	}

	h := &Handle{engine: e, rec: rec, nsCmd: nsCmd, mergedDir: mergedDir, pid: containerPID}
	if opts.Detach {
		return h, nil
	}

	waitErr := nsCmd.Wait()
	cleanupErr := e.cleanup(ctx, rec.ID, mergedDir, p.NetworkRequested)
	if waitErr != nil {
		return h, errors.Wrap(waitErr, "lifecycle: container exited with error")
	}
	return h, cleanupErr
}

// Handle represents a running or just-finished container from the
// supervisor's point of view.
type Handle struct {
	engine    *Engine
	rec       *containerstore.Record
	nsCmd     *exec.Cmd
	mergedDir string
	pid       int
}

func (h *Handle) PID() int { return h.pid }

// Wait blocks for a detached Run to finish and performs cleanup,
// spec.md §4.5.5's contract applying equally in daemon mode.
func (h *Handle) Wait(ctx context.Context) error {
	waitErr := h.nsCmd.Wait()
	net := h.rec.Spec.HasNamespace(spec.NamespaceNetwork)
	cleanupErr := h.engine.cleanup(ctx, h.rec.ID, h.mergedDir, net)
	if waitErr != nil {
		return errors.Wrap(waitErr, "lifecycle: container exited with error")
	}
	return cleanupErr
}

// Open implements spec.md §4.5.6: read the container's pid file, join
// every namespace it still has open under /proc/<pid>/ns, then exec
// /bin/sh. A missing individual namespace entry is logged and skipped;
// a missing or malformed pid file is returned as an error and no
// namespace is joined.
func (e *Engine) Open(id string) error {
	data, err := os.ReadFile(pathutil.ContainerPIDPath(id))
	if err != nil {
		return errors.Wrapf(err, "lifecycle: container %s has no pid file (not running?)", id)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return errors.Wrapf(err, "lifecycle: malformed pid file for %s", id)
	}

	for _, kind := range []spec.Namespace{
		spec.NamespacePID, spec.NamespaceMount, spec.NamespaceUTS,
		spec.NamespaceIPC, spec.NamespaceUser, spec.NamespaceNetwork,
	} {
		nsPath := fmt.Sprintf("/proc/%d/ns/%s", pid, kind.ProcFSName())
		f, err := os.Open(nsPath)
		if err != nil {
			e.Log.WithField("namespace", kind).Warn("namespace entry missing, skipping")
			continue
		}
		err = unix.Setns(int(f.Fd()), 0)
		f.Close()
		if err != nil {
			e.Log.WithField("namespace", kind).WithError(err).Warn("setns failed, skipping")
		}
	}

	return syscall.Exec("/bin/sh", []string{"/bin/sh"}, os.Environ())
}

// Stop implements spec.md §4.5.7: deliver SIGTERM to the container's
// pid, no follow-up kill. The caller retries if graceful shutdown
// fails.
func (e *Engine) Stop(id string) error {
	data, err := os.ReadFile(pathutil.ContainerPIDPath(id))
	if err != nil {
		return errors.Wrapf(err, "lifecycle: container %s has no pid file (not running?)", id)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return errors.Wrapf(err, "lifecycle: malformed pid file for %s", id)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrapf(err, "lifecycle: finding process %d", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "lifecycle: signaling container %s", id)
	}
	return nil
}

func (e *Engine) attachNetwork(ctx context.Context, id string, pid int, hostIP, containerIP string) error {
	hostCIDR := hostIP
	if hostCIDR == "" {
		hostCIDR = netfabric.DefaultBridgeCIDR
	}
	if err := e.Net.EnsureBridge(ctx, hostCIDR); err != nil {
		return err
	}
	if err := e.Net.CreateVeth(ctx, id); err != nil {
		return err
	}
	addr := containerIP
	if addr == "" {
		addr = containerAddress(id)
	}
	// The container's default route must point at the bridge address
	// actually in effect, not a hardcoded gateway: a --host-ip override
	// moves the bridge, and the route has to follow it (spec.md §4.4).
	gateway, err := netfabric.GatewayFromCIDR(hostCIDR)
	if err != nil {
		return err
	}
	return e.Net.AttachContainer(ctx, id, pid, addr, gateway)
}

// containerAddress derives a deterministic address in the bridge
// subnet from the container id so repeated runs of the same container
// do not collide; a production fabric would track allocation state,
// but spec.md's networking surface only asks for a single bridge.
func containerAddress(id string) string {
	sum := 0
	for _, r := range id {
		sum = (sum*31 + int(r)) % 250
	}
	return "172.18.0." + strconv.Itoa(sum+2) + "/16"
}

// cleanup implements spec.md §4.5.5: unmount merged, tear down
// networking, remove the pid file. Best-effort: failures are
// aggregated and logged, never masking the run's own error.
func (e *Engine) cleanup(ctx context.Context, id, mergedDir string, networked bool) error {
	var result *multierror.Error

	if err := unmountOverlay(mergedDir); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "unmounting merged"))
	}
	if networked {
		if err := e.Net.Teardown(ctx, id); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "tearing down network"))
		}
	}
	if err := os.Remove(pathutil.ContainerPIDPath(id)); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, errors.Wrap(err, "removing pid file"))
	}
	if err := containerstore.SetStatus(id, containerstore.StatusStopped, 0); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "persisting stopped status"))
	}

	if result != nil {
		e.Log.WithField("container", id).WithError(result).Warn("cleanup encountered errors")
	}
	return result.ErrorOrNil()
}

// mountOverlay implements spec.md §4.5.4: lowerdir from the container's
// lower symlink target's subdirectories (registry order preserved,
// never resorted), upperdir/workdir from the container's own
// directories, target merged.
func mountOverlay(id, mergedDir string) error {
	lowerLink := pathutil.ContainerLowerLink(id)
	entries, err := os.ReadDir(lowerLink)
	if err != nil {
		return errors.Wrapf(err, "reading lower layers for %s", id)
	}
	imageDir, err := os.Readlink(lowerLink)
	if err != nil {
		return errors.Wrapf(err, "reading lower symlink for %s", id)
	}
	layerOrder, err := imageLayerOrder(id)
	if err != nil || len(layerOrder) == 0 {
		// No cached manifest to recover registry order from (e.g. an
		// image directory staged outside of Pull, as tests do). This
		// is a best-effort path only: directory iteration order is
		// alphabetical by digest, not registry order, so it must never
		// be reached for an image that went through a real pull.
		log := logrus.WithField("container", id)
		log.Warn("no cached manifest order for image, falling back to directory listing order")
		layerOrder = nil
		for _, e := range entries {
			if e.IsDir() {
				layerOrder = append(layerOrder, e.Name())
			}
		}
	}

	dirs := make([]string, 0, len(layerOrder))
	for _, l := range layerOrder {
		dirs = append(dirs, filepath.Join(imageDir, l))
	}

	opts := "lowerdir=" + strings.Join(dirs, ":") +
		",upperdir=" + pathutil.ContainerUpperDir(id) +
		",workdir=" + pathutil.ContainerWorkDir(id)

	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return err
	}
	return unix.Mount("overlay", mergedDir, "overlay", 0, opts)
}

// imageLayerOrder reads the cached manifest for the image a container
// is bound to and returns its fs_layers in registry order, per spec.md
// §4.5.4's ordering requirement ("the pull step wrote layers in
// registry order, and the runtime must preserve that order"). It is a
// thin wrapper over imagestore.LayerOrder, which is the only place that
// order is recoverable from on disk — directory listings are not.
func imageLayerOrder(containerID string) ([]string, error) {
	imageID, err := containerstore.ImageID(containerID)
	if err != nil {
		return nil, err
	}
	return imagestore.LayerOrder(imageID)
}

func unmountOverlay(mergedDir string) error {
	if err := unix.Unmount(mergedDir, 0); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return err
	}
	return nil
}

