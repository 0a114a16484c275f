package meshtastic

import (
	"context"
	"fmt"

	"go.bug.st/serial"
)

const serialBaudRate = 115200

// serialDialer opens a local serial device. The firmware wants a run of
// wake bytes before it starts streaming protobufs.
func serialDialer(port string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		handle, err := serial.Open(port, &serial.Mode{BaudRate: serialBaudRate})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", port, err)
		}

		wake := make([]byte, 32)
		for i := range wake {
			wake[i] = magic2
		}
		if _, err := handle.Write(wake); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("wake serial device: %w", err)
		}

		return newStreamTransport(handle), nil
	}
}
