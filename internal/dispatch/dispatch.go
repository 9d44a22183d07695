// Package dispatch maps a single wire Command onto the image and
// container stores, shared verbatim by the direct CLI path and the
// daemon path so "minato image pull" behaves identically whether or
// not -d/--daemon is in play. Grounded on
// original_source/src/utils.rs's run_command, which performs the same
// match-and-dispatch against an ImageManager/ContainerManager pair.
package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/minato-run/minato/internal/containerstore"
	"github.com/minato-run/minato/internal/imagestore"
	"github.com/minato-run/minato/internal/lifecycle"
	"github.com/minato-run/minato/internal/pathutil"
	"github.com/minato-run/minato/internal/spec"
)

// Action names the operation a Command requests.
type Action string

const (
	ActionImagePull        Action = "image.pull"
	ActionImageList        Action = "image.list"
	ActionImageDelete      Action = "image.delete"
	ActionContainerCreate  Action = "container.create"
	ActionContainerRun     Action = "container.run"
	ActionContainerOpen    Action = "container.open"
	ActionContainerStop    Action = "container.stop"
	ActionContainerList    Action = "container.list"
	ActionContainerDelete  Action = "container.delete"

	// ActionDaemonExit is the DaemonExit error kind of spec.md §7: a
	// distinguished action used only to break the daemon's accept loop
	// on client-requested shutdown (-e/--exit). internal/ipcsock
	// intercepts it before it ever reaches Dispatcher.Run.
	ActionDaemonExit Action = "daemon.exit"
)

// Command is the single wire struct the CLI and the daemon both build
// and feed into Run. It is small and JSON-encodable so internal/ipcsock
// can carry it verbatim over the control socket.
type Command struct {
	Action      Action `json:"action"`
	ImageID     string `json:"image_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Detach      bool   `json:"detach,omitempty"`

	// Volumes, HostIP and ContainerIP only apply to ActionContainerRun,
	// the spec.md §6 "container run" flags beyond the image/container
	// identity every other action shares.
	Volumes     []string `json:"volumes,omitempty"`
	HostIP      string   `json:"host_ip,omitempty"`
	ContainerIP string   `json:"container_ip,omitempty"`
}

// Result is what Run returns to either caller: a human-readable
// message plus, for list operations, the structured rows behind it.
type Result struct {
	Message string      `json:"message"`
	Images  []ImageRow  `json:"images,omitempty"`
	Containers []ContainerRow `json:"containers,omitempty"`
}

type ImageRow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ref    string `json:"ref"`
	Layers int    `json:"layers"`
}

type ContainerRow struct {
	ID      string `json:"id"`
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
	PID     int    `json:"pid,omitempty"`
}

// Dispatcher owns everything Run needs: an image store, the lifecycle
// engine, and a logger.
type Dispatcher struct {
	Images   *imagestore.Store
	Lifecycle *lifecycle.Engine
	Log      *logrus.Entry
}

func New(log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		Images:    imagestore.New(log),
		Lifecycle: lifecycle.New(log),
		Log:       log,
	}
}

// Run executes a single Command, the one function both cmd/ (direct
// mode) and internal/ipcsock's daemon handler call.
func (d *Dispatcher) Run(ctx context.Context, cmd Command) (*Result, error) {
	switch cmd.Action {
	case ActionImagePull:
		return d.imagePull(ctx, cmd)
	case ActionImageList:
		return d.imageList()
	case ActionImageDelete:
		return d.imageDelete(cmd)
	case ActionContainerCreate:
		return d.containerCreate(cmd)
	case ActionContainerRun:
		return d.containerRun(ctx, cmd)
	case ActionContainerOpen:
		return d.containerOpen(cmd)
	case ActionContainerStop:
		return d.containerStop(cmd)
	case ActionContainerList:
		return d.containerList()
	case ActionContainerDelete:
		return d.containerDelete(cmd)
	default:
		return nil, errors.Errorf("dispatch: unknown action %q", cmd.Action)
	}
}

func (d *Dispatcher) imagePull(ctx context.Context, cmd Command) (*Result, error) {
	img, err := d.Images.Pull(ctx, cmd.ImageID)
	if err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("pulled %s (%d layers)", img.ID, len(img.FSLayers))}, nil
}

func (d *Dispatcher) imageList() (*Result, error) {
	images, err := imagestore.List()
	if err != nil {
		return nil, err
	}
	rows := make([]ImageRow, 0, len(images))
	for _, img := range images {
		rows = append(rows, ImageRow{ID: img.ID, Name: img.Name, Ref: img.Reference, Layers: len(img.FSLayers)})
	}
	return &Result{Message: fmt.Sprintf("%d image(s)", len(rows)), Images: rows}, nil
}

func (d *Dispatcher) imageDelete(cmd Command) (*Result, error) {
	if err := imagestore.Delete(cmd.ImageID); err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("deleted %s", cmd.ImageID)}, nil
}

func (d *Dispatcher) containerCreate(cmd Command) (*Result, error) {
	rec, err := containerstore.Create(cmd.ContainerID, cmd.ImageID, spec.Default())
	if err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("created container %s from %s", rec.ID, rec.ImageID)}, nil
}

func (d *Dispatcher) containerRun(ctx context.Context, cmd Command) (*Result, error) {
	rec, err := containerstore.Load(cmd.ContainerID)
	if err != nil {
		return nil, errors.Wrapf(err, "dispatch: loading container %s", cmd.ContainerID)
	}
	handle, err := d.Lifecycle.Run(ctx, rec, lifecycle.RunOptions{
		Detach:      cmd.Detach,
		Volumes:     cmd.Volumes,
		HostIP:      cmd.HostIP,
		ContainerIP: cmd.ContainerIP,
	})
	if err != nil {
		return nil, err
	}
	if cmd.Detach {
		go func() {
			if err := handle.Wait(ctx); err != nil {
				d.Log.WithField("container", rec.ID).WithError(err).Warn("container exited with error")
			}
		}()
		return &Result{Message: fmt.Sprintf("started %s (pid %d)", rec.ID, handle.PID())}, nil
	}
	return &Result{Message: fmt.Sprintf("container %s exited", rec.ID)}, nil
}

func (d *Dispatcher) containerOpen(cmd Command) (*Result, error) {
	if err := d.Lifecycle.Open(cmd.ContainerID); err != nil {
		return nil, err
	}
	// Open replaces the current process image on success and returns
	// only with an error, so this line is not reached in practice.
	return &Result{Message: fmt.Sprintf("opened %s", cmd.ContainerID)}, nil
}

func (d *Dispatcher) containerStop(cmd Command) (*Result, error) {
	if err := d.Lifecycle.Stop(cmd.ContainerID); err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("sent SIGTERM to %s", cmd.ContainerID)}, nil
}

func (d *Dispatcher) containerList() (*Result, error) {
	records, err := containerstore.List()
	if err != nil {
		return nil, err
	}
	rows := make([]ContainerRow, 0, len(records))
	for _, rec := range records {
		// The pid file's presence decides Running/Stopped; a container
		// that never ran keeps its recorded "created" status.
		status := rec.Status
		if _, err := os.Stat(pathutil.ContainerPIDPath(rec.ID)); err == nil {
			status = containerstore.StatusRunning
		} else if status == containerstore.StatusRunning {
			status = containerstore.StatusStopped
		}
		rows = append(rows, ContainerRow{ID: rec.ID, ImageID: rec.ImageID, Status: string(status), PID: rec.PID})
	}
	return &Result{Message: fmt.Sprintf("%d container(s)", len(rows)), Containers: rows}, nil
}

func (d *Dispatcher) containerDelete(cmd Command) (*Result, error) {
	if err := containerstore.Delete(cmd.ContainerID); err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("deleted %s", cmd.ContainerID)}, nil
}
