package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	pb "github.com/rabarar/meshtastic"

	"github.com/mmrelay/mmrelay/internal/config"
)

const (
	initialReconnectDelay = 10 * time.Second
	maxReconnectDelay     = 300 * time.Second
	healthInterval        = 60 * time.Second
)

// ErrShuttingDown is returned for operations attempted after Close began.
var ErrShuttingDown = errors.New("meshtastic: client is shutting down")

// ErrNotConnected is returned by sends while no transport is open.
var ErrNotConnected = errors.New("meshtastic: not connected")

// PacketHandler receives every decoded inbound packet. Handlers run on the
// client's read goroutine; a panicking handler is logged and the connection
// is recycled.
type PacketHandler func(*Packet)

// Client supervises one radio link: it owns the transport, replays the
// initial config flow on every (re)connect, maintains the in-memory node
// table, and recovers from transport failures with capped exponential
// backoff.
type Client struct {
	dial     Dialer
	timeout  time.Duration
	meshName string

	onPacket    PacketHandler
	onReconnect func()

	mu           sync.Mutex
	transport    Transport
	gen          int
	nodes        map[uint32]*pb.User
	myNodeNum    uint32
	connected    bool
	reconnecting bool
	shuttingDown bool
	nextDelay    time.Duration
	connCh       chan struct{}
	packetSeq    uint32

	// stop is closed by Close so blocked goroutines exit immediately
	// instead of waiting for their next tick.
	stop chan struct{}

	wg sync.WaitGroup

	// sleep is swapped out by tests to observe the backoff schedule.
	sleep func(time.Duration)
}

func NewClient(cfg config.MeshtasticConfig, dial Dialer) *Client {
	c := &Client{
		dial:      dial,
		timeout:   time.Duration(cfg.Timeout * float64(time.Second)),
		meshName:  cfg.MeshnetName,
		nodes:     make(map[uint32]*pb.User),
		nextDelay: initialReconnectDelay,
		connCh:    make(chan struct{}),
		stop:      make(chan struct{}),
		packetSeq: rand.Uint32(),
	}
	c.sleep = func(d time.Duration) {
		select {
		case <-time.After(d):
		case <-c.stop:
		}
	}
	return c
}

// OnPacket registers the inbound packet handler. Must be called before
// Connect.
func (c *Client) OnPacket(handler PacketHandler) {
	c.onPacket = handler
}

// OnReconnect registers a callback fired after a successful reconnect.
func (c *Client) OnReconnect(fn func()) {
	c.onReconnect = fn
}

// Connect opens the transport, runs the initial config download, and starts
// the read and health goroutines.
func (c *Client) Connect(ctx context.Context) error {
	transport, err := c.open(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transport = transport
	c.gen++
	gen := c.gen
	c.connected = true
	close(c.connCh)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(transport, gen)
	go c.healthLoop(transport, gen)

	return nil
}

// open dials the transport with the configured timeout and completes the
// config flow (node table, own node number).
func (c *Client) open(ctx context.Context) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	transport, err := c.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	if err := c.configFlow(transport); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return transport, nil
}

// configFlow requests the radio's state dump and consumes it until the
// config-complete marker echoes our nonce back.
func (c *Client) configFlow(transport Transport) error {
	nonce := rand.Uint32()
	want := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	}
	if err := transport.WritePacket(want); err != nil {
		return fmt.Errorf("request config: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		packet, err := transport.ReadPacket()
		if err != nil {
			return fmt.Errorf("read config stream: %w", err)
		}

		switch {
		case packet.GetMyInfo() != nil:
			c.mu.Lock()
			c.myNodeNum = packet.GetMyInfo().GetMyNodeNum()
			c.mu.Unlock()
		case packet.GetNodeInfo() != nil:
			info := packet.GetNodeInfo()
			if user := info.GetUser(); user != nil {
				c.mu.Lock()
				c.nodes[info.GetNum()] = user
				c.mu.Unlock()
			}
		case packet.GetConfigCompleteId() == nonce:
			return nil
		}
	}

	return fmt.Errorf("config flow did not complete within %s", c.timeout)
}

func (c *Client) readLoop(transport Transport, gen int) {
	defer c.wg.Done()

	for {
		packet, err := transport.ReadPacket()
		if err != nil {
			c.mu.Lock()
			down := c.shuttingDown
			c.mu.Unlock()
			if !down {
				log.Printf("[meshtastic] read failed: %v", err)
				c.triggerReconnect(gen)
			}
			return
		}
		c.handleFromRadio(packet, gen)
	}
}

func (c *Client) handleFromRadio(packet *pb.FromRadio, gen int) {
	if info := packet.GetNodeInfo(); info != nil {
		if user := info.GetUser(); user != nil {
			c.mu.Lock()
			c.nodes[info.GetNum()] = user
			c.mu.Unlock()
		}
		return
	}

	mesh := packet.GetPacket()
	if mesh == nil {
		return
	}

	decoded, err := decodePacket(mesh)
	if err != nil {
		// A malformed payload is the sender's problem, not the link's.
		log.Printf("[meshtastic] dropping undecodable packet from %s: %v", NodeID(mesh.GetFrom()), err)
		return
	}
	if decoded == nil {
		return
	}

	// Keep the node table fresh from NODEINFO payloads too.
	if decoded.User != nil {
		c.mu.Lock()
		c.nodes[decoded.From] = decoded.User
		c.mu.Unlock()
	}

	if c.onPacket == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[meshtastic] packet handler panicked: %v", r)
			c.triggerReconnect(gen)
		}
	}()
	c.onPacket(decoded)
}

// healthLoop probes the link with a heartbeat. A failed write means the
// transport is dead even if reads are still blocked.
func (c *Client) healthLoop(transport Transport, gen int) {
	defer c.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		stale := c.shuttingDown || gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}

		heartbeat := &pb.ToRadio{
			PayloadVariant: &pb.ToRadio_Heartbeat{Heartbeat: &pb.Heartbeat{}},
		}
		if err := transport.WritePacket(heartbeat); err != nil {
			log.Printf("[meshtastic] health probe failed: %v", err)
			c.triggerReconnect(gen)
			return
		}
	}
}

// triggerReconnect starts the reconnect loop unless one is already running
// for a newer transport generation. Concurrent triggers coalesce.
func (c *Client) triggerReconnect(gen int) {
	c.mu.Lock()
	if c.shuttingDown || c.reconnecting || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.connected = false
	c.connCh = make(chan struct{})
	old := c.transport
	c.transport = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if c.shuttingDown {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		delay := c.nextDelay
		c.mu.Unlock()

		log.Printf("[meshtastic] reconnecting in %s", delay)
		c.sleep(delay)

		c.mu.Lock()
		if c.shuttingDown {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		transport, err := c.open(context.Background())
		if err != nil {
			log.Printf("[meshtastic] reconnect failed: %v", err)
			c.mu.Lock()
			c.nextDelay = min(c.nextDelay*2, maxReconnectDelay)
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.transport = transport
		c.gen++
		gen := c.gen
		c.connected = true
		c.reconnecting = false
		c.nextDelay = initialReconnectDelay
		close(c.connCh)
		c.mu.Unlock()

		c.wg.Add(2)
		go c.readLoop(transport, gen)
		go c.healthLoop(transport, gen)

		log.Printf("[meshtastic] connection restored")
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
}

// WaitConnected blocks until the transport is up or the context is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.shuttingDown {
			c.mu.Unlock()
			return ErrShuttingDown
		}
		if c.connected {
			c.mu.Unlock()
			return nil
		}
		ch := c.connCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// SendText transmits one text payload to a channel broadcast or a direct
// node. It returns the mesh packet ID used, which keys the message map.
func (c *Client) SendText(text string, channel uint32, to uint32) (uint32, error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return 0, ErrShuttingDown
	}
	transport := c.transport
	from := c.myNodeNum
	c.packetSeq++
	if c.packetSeq == 0 {
		c.packetSeq++
	}
	id := c.packetSeq
	c.mu.Unlock()

	if transport == nil {
		return 0, ErrNotConnected
	}

	packet := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{
			Packet: &pb.MeshPacket{
				From:    from,
				To:      to,
				Id:      id,
				Channel: channel,
				PayloadVariant: &pb.MeshPacket_Decoded{
					Decoded: &pb.Data{
						Portnum: pb.PortNum_TEXT_MESSAGE_APP,
						Payload: []byte(text),
					},
				},
			},
		},
	}

	if err := transport.WritePacket(packet); err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}
	return id, nil
}

// MyNodeNum returns our own node number, known after the config flow.
func (c *Client) MyNodeNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.myNodeNum
}

// NodeUser returns the cached user record for a node, or nil.
func (c *Client) NodeUser(num uint32) *pb.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[num]
}

// Nodes returns a snapshot of the in-memory node table.
func (c *Client) Nodes() map[uint32]*pb.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]*pb.User, len(c.nodes))
	for num, user := range c.nodes {
		out[num] = user
	}
	return out
}

// Connected reports whether a transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the client: late callbacks are refused, the transport is
// closed best-effort, and in-flight goroutines get a bounded drain window.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	transport := c.transport
	c.transport = nil
	c.connected = false
	close(c.stop)
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("[meshtastic] shutdown drain timed out")
	}
	return nil
}
