// Package discovery is the pull side of Minidisc: it queries every
// online peer's Leader endpoint, aggregates the results, and matches
// against name and labels.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"resenje.org/singleflight"

	"minidisc/internal/mesh"
	"minidisc/internal/wire"
)

// ErrRemote wraps a transport or malformed-body error from a peer that
// is reachable but returned something other than a valid 200 response.
// Connection-refused and timeout errors are not wrapped this way; they
// are swallowed, since they mean the peer simply isn't running
// Minidisc.
var ErrRemote = errors.New("discovery: remote peer error")

// Location is the (address, port) a matched Service is reachable at.
type Location struct {
	Addr string
	Port int
}

// Client fans out GET /services across every mesh peer and aggregates
// the results.
type Client struct {
	mesh   *mesh.Client
	client *http.Client
	group  singleflight.Group
}

// New returns a Client using meshClient to discover peer addresses.
func New(meshClient *mesh.Client) *Client {
	return &Client{
		mesh:   meshClient,
		client: &http.Client{Timeout: wire.RequestTimeout},
	}
}

// List queries every online peer's Leader endpoint on the well-known
// discovery port and returns the union of their advertised services.
// Peers that refuse the connection or time out are silently skipped
// (they simply aren't running Minidisc); a reachable peer returning a
// bad status or a malformed body yields ErrRemote naming the peer.
//
// Concurrent identical calls are coalesced: if a List is already in
// flight, a second caller waits for and shares its result rather than
// triggering a duplicate fan-out.
func (c *Client) List(ctx context.Context) ([]wire.Service, error) {
	v, err, _ := c.group.Do(ctx, "list", func(ctx context.Context) (interface{}, error) {
		return c.list(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]wire.Service), nil
}

func (c *Client) list(ctx context.Context) ([]wire.Service, error) {
	peers, err := c.mesh.PeerIPv4s(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var all []wire.Service

	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			services, err := c.fetchPeer(ctx, peer)
			if err != nil {
				if isPeerUnreachable(err) {
					return nil
				}
				return fmt.Errorf("%w: %s: %v", ErrRemote, peer, err)
			}
			mu.Lock()
			all = append(all, services...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) fetchPeer(ctx context.Context, addr string) ([]wire.Service, error) {
	url := fmt.Sprintf("http://%s/services", net.JoinHostPort(addr, strconv.Itoa(wire.DiscoveryPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var services []wire.Service
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, err
	}
	return services, nil
}

// Find returns the first Service in list order whose name matches
// exactly and whose labels are a superset of the requested labels. It
// reports false if nothing matched. Iteration order follows whatever
// the mesh's peer ordering happened to produce; it is not sorted.
func (c *Client) Find(ctx context.Context, name string, labels map[string]string) (Location, bool, error) {
	services, err := c.List(ctx)
	if err != nil {
		return Location{}, false, err
	}
	for _, s := range services {
		if s.Name == name && wire.LabelsMatch(labels, s.Labels) {
			return Location{Addr: s.Addr, Port: s.Port}, true, nil
		}
	}
	return Location{}, false, nil
}

func isPeerUnreachable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return wire.IsConnRefused(err)
}
