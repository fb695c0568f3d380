//go:build !linux

package tunnel

import "github.com/gamavpn/wgtunnel/internal/tun"

func defaultOpener() tun.Opener {
	return tun.NewNetstackOpener(nil)
}
