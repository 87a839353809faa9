//go:build linux

package vm

import (
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"github.com/vishvananda/netlink"
)

// tapName derives a stable, IFNAMSIZ-safe host TAP device name from a target
// identifier, so the same device is reused across a boot-and-snapshot cycle
// and every later restore of that target's snapshot.
func tapName(target string) string {
	h := fnv.New32a()
	h.Write([]byte(target))
	name := fmt.Sprintf("fzz%08x", h.Sum32())
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// ensureTapDevice creates the host TAP device for target (if it doesn't
// already exist from a prior run) and assigns it hostIP/prefixLen.
func ensureTapDevice(name, hostIP string, prefixLen int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tap); err != nil {
			return fmt.Errorf("creating tap device %s: %w", name, err)
		}
		link, err = netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("looking up tap device %s after create: %w", name, err)
		}
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: net.ParseIP(hostIP), Mask: net.CIDRMask(prefixLen, 32)}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assigning %s/%d to %s: %w", hostIP, prefixLen, name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up %s: %w", name, err)
	}
	return nil
}

// removeTapDevice deletes the host TAP device, if present. Best-effort: a
// torn-down VM shouldn't fail cleanup over a missing interface.
func removeTapDevice(name string) {
	if link, err := netlink.LinkByName(name); err == nil {
		netlink.LinkDel(link)
	}
}

// waitForSSH polls addr until a TCP connection succeeds or timeout elapses.
// Used after the vsock readiness signal to confirm sshd is actually
// reachable over the guest's new network interface before snapshotting.
func waitForSSH(addr string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s: %w", addr, err)
		}
		time.Sleep(interval)
	}
}
