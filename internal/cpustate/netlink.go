package cpustate

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// kobjectUEvent is NETLINK_KOBJECT_UEVENT, include/uapi/linux/netlink.h.
const kobjectUEvent = 15

// kernelBroadcastGroup is the netlink multicast group the kernel posts
// uevents to.
const kernelBroadcastGroup = 1

// netlinkSource listens for kernel uevents on a raw netlink socket. It
// polls the socket with a short receive timeout so next can still
// observe context cancellation promptly.
type netlinkSource struct {
	fd int
}

func newNetlinkSource() (*netlinkSource, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, kobjectUEvent)
	if err != nil {
		return nil, gatorerr.Wrap(gatorerr.Permission, err, "opening netlink kobject-uevent socket")
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelBroadcastGroup}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, gatorerr.Wrap(gatorerr.Permission, err, "binding netlink kobject-uevent socket")
	}

	return &netlinkSource{fd: fd}, nil
}

func (s *netlinkSource) close() error {
	return unix.Close(s.fd)
}

func (s *netlinkSource) next(ctx context.Context) (Event, error) {
	buf := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		tv := unix.NsecToTimeval(int64(time.Second))
		if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return Event{}, gatorerr.Wrap(gatorerr.Transport, err, "setting netlink receive timeout")
		}

		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return Event{}, gatorerr.Wrap(gatorerr.Transport, err, "reading netlink uevent")
		}
		if n == 0 {
			continue
		}

		ev, ok := parseCPUUEvent(buf[:n])
		if !ok {
			continue
		}
		return ev, nil
	}
}

// parseCPUUEvent decodes one kernel uevent datagram ("ACTION@KOBJ\0KEY=
// VALUE\0...") and reports whether it is a CPU online/offline
// transition, extracting the CPU index from a kobject path of the form
// "/devices/system/cpu/cpuN".
func parseCPUUEvent(data []byte) (Event, bool) {
	parts := bytes.Split(data, []byte{0})
	if len(parts) == 0 || len(parts[0]) == 0 {
		return Event{}, false
	}

	header := string(parts[0])
	at := strings.IndexByte(header, '@')
	if at < 1 {
		return Event{}, false
	}
	action := header[:at]
	kobj := header[at+1:]

	var online bool
	switch action {
	case "online":
		online = true
	case "offline":
		online = false
	default:
		return Event{}, false
	}

	idx := strings.LastIndex(kobj, "/cpu")
	if idx < 0 {
		return Event{}, false
	}
	numStr := kobj[idx+len("/cpu"):]
	cpu, err := strconv.Atoi(numStr)
	if err != nil {
		return Event{}, false
	}

	return Event{CPU: cpu, Online: online}, true
}
