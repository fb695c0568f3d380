//go:build linux

package tunnel

import "github.com/gamavpn/wgtunnel/internal/tun"

// KernelDevice returns a [DeviceOpener] creating kernel TUN interfaces.
// It needs CAP_NET_ADMIN.
func KernelDevice() DeviceOpener {
	return tun.NewKernelOpener()
}

func defaultOpener() tun.Opener {
	return tun.NewKernelOpener()
}
