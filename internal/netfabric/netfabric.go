// Package netfabric shells out to iproute2's "ip" binary to wire a
// container into a bridged network, spec.md §4.5's optional networking
// phase (C5). Grounded on original_source/src/networking.rs, which
// performs the same operations by invoking "ip" as a subprocess rather
// than through a netlink library — the teacher pack carries no netlink
// binding, so the idiom to imitate here is the original's, not a
// heavier CNI-style dependency.
package netfabric

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// BridgeName is the single shared bridge every container's veth
	// pair attaches to, matching original_source/src/networking.rs.
	BridgeName = "br0"
	// DefaultBridgeCIDR is br0's address when --host-ip is not given.
	DefaultBridgeCIDR = "172.18.0.1/16"
	netnsDir          = "/var/run/netns"
)

// GatewayFromCIDR returns the host-part address of a "host-ip/prefix"
// CIDR string, spec.md §4.4's "install default route via the address's
// host part": whatever address the bridge itself was actually assigned
// (DefaultBridgeCIDR or a --host-ip override) is what a container's
// default route must point at, never a hardcoded constant.
func GatewayFromCIDR(hostCIDR string) (string, error) {
	ip, _, err := net.ParseCIDR(hostCIDR)
	if err != nil {
		return "", errors.Wrapf(err, "parsing host CIDR %q", hostCIDR)
	}
	return ip.String(), nil
}

// Fabric runs "ip" commands against the host network stack.
type Fabric struct {
	Log *logrus.Entry
}

func New(log *logrus.Entry) *Fabric {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fabric{Log: log}
}

func (f *Fabric) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "ip %v: %s", args, string(out))
	}
	f.Log.WithField("args", args).Debug("ip command ok")
	return nil
}

// vethNames returns the host-side and container-side veth interface
// names for a container id, e.g. "<id>-veth0" / "<id>-veth1".
func vethNames(id string) (host, peer string) {
	return id + "-veth0", id + "-veth1"
}

func netnsName(id string) string {
	return id + "-ns"
}

// EnsureBridge creates br0 if it does not already exist and brings it
// up, spec.md §4.5's "bridge exists" precondition and §4.4's
// create_bridge(host_ip_cidr). original_source/src/networking.rs's
// create_bridge is unconditional; checking first makes repeated
// container creation idempotent. hostCIDR overrides the default
// 172.18.0.1/16 address (spec.md §6's --host-ip); empty keeps it.
func (f *Fabric) EnsureBridge(ctx context.Context, hostCIDR string) error {
	if hostCIDR == "" {
		hostCIDR = DefaultBridgeCIDR
	}
	if err := f.run(ctx, "link", "show", BridgeName); err == nil {
		return nil
	}
	if err := f.run(ctx, "link", "add", "name", BridgeName, "type", "bridge"); err != nil {
		return errors.Wrap(err, "creating bridge")
	}
	if err := f.run(ctx, "addr", "add", hostCIDR, "dev", BridgeName); err != nil {
		return errors.Wrap(err, "assigning bridge address")
	}
	if err := f.run(ctx, "link", "set", BridgeName, "up"); err != nil {
		return errors.Wrap(err, "bringing up bridge")
	}
	return nil
}

// DeleteBridge tears down br0. Only meaningful on full daemon
// shutdown; container teardown never calls this, since other
// containers may still be attached.
func (f *Fabric) DeleteBridge(ctx context.Context) error {
	return f.run(ctx, "link", "del", BridgeName)
}

// CreateNamespace runs "ip netns add <id>-ns", the host-side namespace
// handle original_source/src/networking.rs's create_network_namespace
// creates before the container process exists.
func (f *Fabric) CreateNamespace(ctx context.Context, id string) error {
	return f.run(ctx, "netns", "add", netnsName(id))
}

// DeleteNamespace removes the netns handle and its /var/run/netns
// symlink.
func (f *Fabric) DeleteNamespace(ctx context.Context, id string) error {
	return f.run(ctx, "netns", "del", netnsName(id))
}

// CreateVeth creates a veth pair and attaches the host-side end to
// br0, mirroring original_source/src/networking.rs's create_veth plus
// add_veth_to_bridge.
func (f *Fabric) CreateVeth(ctx context.Context, id string) error {
	host, peer := vethNames(id)
	if err := f.run(ctx, "link", "add", host, "type", "veth", "peer", "name", peer); err != nil {
		return errors.Wrap(err, "creating veth pair")
	}
	if err := f.run(ctx, "link", "set", host, "master", BridgeName); err != nil {
		return errors.Wrap(err, "attaching veth to bridge")
	}
	if err := f.run(ctx, "link", "set", host, "up"); err != nil {
		return errors.Wrap(err, "bringing up host veth")
	}
	return nil
}

// DeleteVeth removes the host side of the pair; the kernel deletes the
// peer automatically.
func (f *Fabric) DeleteVeth(ctx context.Context, id string) error {
	host, _ := vethNames(id)
	return f.run(ctx, "link", "del", host)
}

// AttachContainer moves the container-side veth into the process's
// network namespace, symlinks /var/run/netns/<id>-ns to
// /proc/<pid>/ns/net so later "ip netns exec" calls can find it, then
// brings up lo and the peer interface and assigns an address and
// default route via gateway — the host part of whatever CIDR the
// bridge was actually brought up with (DefaultBridgeCIDR or a
// --host-ip override), never a hardcoded constant. Grounded on
// original_source/src/networking.rs's add_container_to_network.
func (f *Fabric) AttachContainer(ctx context.Context, id string, pid int, addrCIDR, gateway string) error {
	_, peer := vethNames(id)
	nsPath := filepath.Join(netnsDir, netnsName(id))
	procNsPath := fmt.Sprintf("/proc/%d/ns/net", pid)

	if err := os.MkdirAll(netnsDir, 0o755); err != nil {
		return errors.Wrap(err, "creating netns dir")
	}
	_ = os.Remove(nsPath)
	if err := os.Symlink(procNsPath, nsPath); err != nil {
		return errors.Wrap(err, "linking netns to container pid")
	}

	if err := f.run(ctx, "link", "set", peer, "netns", fmt.Sprintf("%d", pid)); err != nil {
		return errors.Wrap(err, "moving veth into container namespace")
	}
	netnsExec := func(a ...string) error {
		return f.run(ctx, append([]string{"netns", "exec", netnsName(id)}, a...)...)
	}
	if err := netnsExec("ip", "link", "set", "lo", "up"); err != nil {
		return errors.Wrap(err, "bringing up container loopback")
	}
	if err := netnsExec("ip", "link", "set", peer, "up"); err != nil {
		return errors.Wrap(err, "bringing up container veth")
	}
	if err := netnsExec("ip", "addr", "add", addrCIDR, "dev", peer); err != nil {
		return errors.Wrap(err, "assigning container address")
	}
	if err := netnsExec("ip", "route", "add", "default", "via", gateway); err != nil {
		return errors.Wrap(err, "adding container default route")
	}
	return nil
}

// DetachContainer reverses AttachContainer's host-visible side effects:
// the symlink (the veth and namespace disappear along with the process
// and the later DeleteVeth/DeleteNamespace calls).
func (f *Fabric) DetachContainer(id string) error {
	nsPath := filepath.Join(netnsDir, netnsName(id))
	if err := os.Remove(nsPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing netns symlink")
	}
	return nil
}

// Teardown runs DetachContainer, DeleteVeth and DeleteNamespace,
// aggregating any failures with go-multierror the way the lifecycle
// engine's cleanup does for mount teardown, so one failed step does
// not hide the others.
func (f *Fabric) Teardown(ctx context.Context, id string) error {
	var result *multierror.Error
	if err := f.DetachContainer(id); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.DeleteVeth(ctx, id); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.DeleteNamespace(ctx, id); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
