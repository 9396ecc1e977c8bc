package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPort is the UDP port relays are announced on.
const DefaultPort uint16 = 53552

// RelayInfo is the payload announced by a relay.
type RelayInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AnnounceRelay starts announcing info on port. Close the returned Discover
// to stop.
func AnnounceRelay(info RelayInfo, port uint16, interval time.Duration) (*Discover, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	d := &Discover{
		Info:                         payload,
		Port:                         port,
		IntervalBetweenAnnouncements: interval,
	}
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("announce relay: %w", err)
	}
	return d, nil
}

// FindRelay listens on port until a relay is announced or ctx is done.
func FindRelay(ctx context.Context, port uint16) (RelayInfo, error) {
	d := &Discover{Port: port}
	if err := d.Start(); err != nil {
		return RelayInfo{}, fmt.Errorf("find relay: %w", err)
	}
	defer d.Close()
	for {
		select {
		case <-ctx.Done():
			return RelayInfo{}, fmt.Errorf("find relay: %w", ctx.Err())
		case entry := <-d.Entries:
			info, err := parseRelayInfo(entry.Info)
			if err != nil {
				continue
			}
			return info, nil
		}
	}
}

func parseRelayInfo(b []byte) (RelayInfo, error) {
	var info RelayInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return RelayInfo{}, err
	}
	if info.URL == "" {
		return RelayInfo{}, fmt.Errorf("announcement without url")
	}
	return info, nil
}
