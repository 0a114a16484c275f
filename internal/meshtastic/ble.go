package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
	"tinygo.org/x/bluetooth"
)

// Meshtastic GATT identifiers. Outbound protobufs are written to the
// toRadio characteristic; inbound ones are polled from fromRadio whenever
// fromNum notifies (and on a slow timer as a fallback, since some stacks
// drop notifications).
var (
	bleServiceUUID   = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	bleToRadioUUID   = mustUUID("f75c76d2-129e-4dad-a1dd-7866124401e7")
	bleFromRadioUUID = mustUUID("2c55e69e-4993-11ed-b878-0242ac120002")
	bleFromNumUUID   = mustUUID("ed9da18c-a800-4f66-a670-aa7547e34453")
)

func mustUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}

const blePollInterval = 2 * time.Second

type bleTransport struct {
	device    bluetooth.Device
	toRadio   bluetooth.DeviceCharacteristic
	fromRadio bluetooth.DeviceCharacteristic

	packets chan *pb.FromRadio
	readErr chan error

	mu     sync.Mutex
	wakeCh chan struct{}
	closed bool
}

func bleDialer(address string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		adapter := bluetooth.DefaultAdapter
		if err := adapter.Enable(); err != nil {
			return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
		}

		result, err := scanForDevice(ctx, adapter, address)
		if err != nil {
			return nil, err
		}

		device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, err)
		}

		services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
		if err != nil || len(services) == 0 {
			_ = device.Disconnect()
			return nil, fmt.Errorf("discover meshtastic service on %s: %w", address, err)
		}

		chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
			bleToRadioUUID, bleFromRadioUUID, bleFromNumUUID,
		})
		if err != nil || len(chars) < 3 {
			_ = device.Disconnect()
			return nil, fmt.Errorf("discover meshtastic characteristics on %s: %w", address, err)
		}

		t := &bleTransport{
			device:    device,
			toRadio:   chars[0],
			fromRadio: chars[1],
			packets:   make(chan *pb.FromRadio, 64),
			readErr:   make(chan error, 1),
			wakeCh:    make(chan struct{}, 1),
		}

		// fromNum notifies whenever the radio has queued packets for us.
		if err := chars[2].EnableNotifications(func(_ []byte) {
			t.wake()
		}); err != nil {
			_ = device.Disconnect()
			return nil, fmt.Errorf("enable fromNum notifications: %w", err)
		}

		go t.pollLoop()
		return t, nil
	}
}

func scanForDevice(ctx context.Context, adapter *bluetooth.Adapter, address string) (bluetooth.ScanResult, error) {
	want := strings.ToUpper(strings.TrimSpace(address))
	found := make(chan bluetooth.ScanResult, 1)

	go func() {
		_ = adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if strings.ToUpper(result.Address.String()) == want {
				_ = a.StopScan()
				select {
				case found <- result:
				default:
				}
			}
		})
	}()

	select {
	case result := <-found:
		return result, nil
	case <-ctx.Done():
		_ = adapter.StopScan()
		return bluetooth.ScanResult{}, fmt.Errorf("scan for %s: %w", address, ctx.Err())
	}
}

func (t *bleTransport) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// pollLoop drains the fromRadio characteristic after every notification.
// An empty read means the radio's queue is exhausted.
func (t *bleTransport) pollLoop() {
	buf := make([]byte, maxFrameLen)
	ticker := time.NewTicker(blePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.wakeCh:
		case <-ticker.C:
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		for {
			n, err := t.fromRadio.Read(buf)
			if err != nil {
				select {
				case t.readErr <- fmt.Errorf("read fromRadio: %w", err):
				default:
				}
				return
			}
			if n == 0 {
				break
			}

			var packet pb.FromRadio
			if err := proto.Unmarshal(buf[:n], &packet); err != nil {
				select {
				case t.readErr <- fmt.Errorf("decode FromRadio: %w", err):
				default:
				}
				return
			}

			select {
			case t.packets <- &packet:
			default:
				// Queue full; drop the oldest to keep the radio drained.
				<-t.packets
				t.packets <- &packet
			}
		}
	}
}

func (t *bleTransport) ReadPacket() (*pb.FromRadio, error) {
	select {
	case packet := <-t.packets:
		return packet, nil
	case err := <-t.readErr:
		return nil, err
	}
}

func (t *bleTransport) WritePacket(packet *pb.ToRadio) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("ble transport closed")
	}
	t.mu.Unlock()

	body, err := proto.Marshal(packet)
	if err != nil {
		return fmt.Errorf("encode ToRadio: %w", err)
	}
	if _, err := t.toRadio.WriteWithoutResponse(body); err != nil {
		return fmt.Errorf("write toRadio: %w", err)
	}
	return nil
}

func (t *bleTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	select {
	case t.readErr <- errors.New("ble transport closed"):
	default:
	}

	return t.device.Disconnect()
}
