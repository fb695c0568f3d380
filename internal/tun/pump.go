package tun

import (
	"fmt"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/gamavpn/wgtunnel/internal/workers"
)

var serviceName = "tun"

// StartReader starts a worker moving outbound packets read from dev into
// out. The worker exits when the manager shuts down or reading fails;
// a read failure while the manager is running is sent on failures.
func StartReader(manager *workers.Manager, logger model.Logger, dev Device, out chan<- []byte, failures chan<- error) {
	manager.StartWorker(func() {
		workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

		defer manager.OnWorkerDone(workerName)

		logger.Debugf("%s: started", workerName)

		// headroom above the MTU for link layers that may add some
		size := dev.MTU() + 64
		for {
			// POSSIBLY BLOCK on the device to read an outbound packet
			buffer := make([]byte, size)
			count, err := dev.Read(buffer)
			if err != nil {
				select {
				case <-manager.ShouldShutdown():
				default:
					logger.Warnf("%s: Read: %s", workerName, err.Error())
					select {
					case failures <- fmt.Errorf("%w: %s", model.ErrIO, err):
					default:
					}
				}
				return
			}
			if count == 0 {
				continue
			}

			// POSSIBLY BLOCK on the channel to deliver the packet
			select {
			case out <- buffer[:count]:
			case <-manager.ShouldShutdown():
				return
			}
		}
	})
}
