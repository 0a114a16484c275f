package meshtastic

import (
	"context"
	"fmt"
	"io"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/mmrelay/mmrelay/internal/config"
)

// Transport is one open link to a radio. ReadPacket blocks until a packet
// arrives or the transport fails; after Close all calls return errors.
type Transport interface {
	ReadPacket() (*pb.FromRadio, error)
	WritePacket(*pb.ToRadio) error
	Close() error
}

// Dialer opens a transport. The connection engine holds one and redials it
// during reconnects.
type Dialer func(ctx context.Context) (Transport, error)

// NewDialer selects the transport from config. The connection-type-specific
// field has already been validated at config load.
func NewDialer(cfg config.MeshtasticConfig) (Dialer, error) {
	switch cfg.ConnectionType {
	case "serial":
		return serialDialer(cfg.SerialPort), nil
	case "tcp":
		return tcpDialer(cfg.Host), nil
	case "ble":
		return bleDialer(cfg.BLEAddress), nil
	default:
		return nil, fmt.Errorf("invalid connection type %q", cfg.ConnectionType)
	}
}

// streamTransport adapts any framed byte stream (serial port, TCP socket)
// into a packet transport.
type streamTransport struct {
	rwc    io.ReadWriteCloser
	framer *Framer
}

func newStreamTransport(rwc io.ReadWriteCloser) *streamTransport {
	return &streamTransport{
		rwc:    rwc,
		framer: NewFramer(rwc, rwc),
	}
}

func (t *streamTransport) ReadPacket() (*pb.FromRadio, error) {
	body, err := t.framer.ReadFrame()
	if err != nil {
		return nil, err
	}

	var packet pb.FromRadio
	if err := proto.Unmarshal(body, &packet); err != nil {
		return nil, fmt.Errorf("decode FromRadio: %w", err)
	}
	return &packet, nil
}

func (t *streamTransport) WritePacket(packet *pb.ToRadio) error {
	body, err := proto.Marshal(packet)
	if err != nil {
		return fmt.Errorf("encode ToRadio: %w", err)
	}
	return t.framer.WriteFrame(body)
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}
