package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

const (
	multicastIpAddress = "239.0.0.1"
	keySize            = 8
	maxDatagram        = 1024
)

// Discover announces Info and listens for the announcements of its peers.
// Before calling Start, configure Info (the payload to announce), Port (UDP port), and
// IntervalBetweenAnnouncements (frequency of announcements). A Discover with
// no Info only listens. After Start succeeds, discovered entries are received
// on the Entries channel.
type Discover struct {
	Info                         []byte
	Port                         uint16
	IntervalBetweenAnnouncements time.Duration
	Entries                      chan Entry
	conn                         *net.UDPConn
	sendConn                     *net.UDPConn
	key                          []byte
	done                         chan struct{}
	wg                           sync.WaitGroup
}

// Entry represents a single discovery announcement received from a peer.
// Info contains the service information payload and Time is when it was received.
type Entry struct {
	Info []byte
	Time time.Time
}

// Start joins the multicast group and starts listening and announcing.
func (d *Discover) Start() error {
	if len(d.Info) > maxDatagram-keySize {
		return fmt.Errorf("info too large: %d bytes", len(d.Info))
	}
	if d.IntervalBetweenAnnouncements <= 0 {
		d.IntervalBetweenAnnouncements = time.Second
	}
	d.Entries = make(chan Entry, 10)
	d.key = []byte(fmt.Sprintf("%08x", rand.Uint32()))
	d.done = make(chan struct{})
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", multicastIpAddress, d.Port))
	if err != nil {
		return err
	}
	d.conn, err = net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	if len(d.Info) > 0 {
		d.sendConn, err = net.DialUDP("udp", nil, addr)
		if err != nil {
			d.conn.Close()
			return err
		}
		d.wg.Add(1)
		go d.announce()
	}
	d.wg.Add(1)
	go d.listen()
	return nil
}

// Close stops the discovery mechanism, closes the underlying UDP connections
// and the Entries channel.
func (d *Discover) Close() error {
	close(d.done)
	var errs []error
	errs = append(errs, d.conn.Close())
	if d.sendConn != nil {
		errs = append(errs, d.sendConn.Close())
	}
	d.wg.Wait()
	close(d.Entries)
	return errors.Join(errs...)
}

func (d *Discover) listen() {
	defer d.wg.Done()
	buffer := make([]byte, maxDatagram)
	for {
		n, _, err := d.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		message := buffer[:n]
		if n < keySize || bytes.Equal(message[:keySize], d.key) {
			continue
		}
		entry := Entry{
			Info: bytes.Clone(message[keySize:]),
			Time: time.Now(),
		}
		select {
		case d.Entries <- entry:
		default:
		}
	}
}

func (d *Discover) announce() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.IntervalBetweenAnnouncements)
	defer ticker.Stop()
	message := append(bytes.Clone(d.key), d.Info...)
	for {
		if _, err := d.sendConn.Write(message); errors.Is(err, net.ErrClosed) {
			return
		}
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}
