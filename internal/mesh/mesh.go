// Package mesh is a minimal read-only client for the overlay mesh's
// local status endpoint: a Unix-domain HTTP socket that reports this
// node's own addresses and which peers are currently online.
//
// Why not an SDK? The mesh software ships its own client library, but
// it drags in its whole daemon-control surface for a single read-only
// status call. A thin client dialing the same socket directly has
// zero supply-chain surface beyond the standard library.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"minidisc/internal/wire"
)

const statusPath = "/localapi/v0/status"

// ErrNoLocalAddress is returned by OwnIPv4 when the mesh reports no
// IPv4 address for this node.
var ErrNoLocalAddress = fmt.Errorf("mesh: no local IPv4 address")

// ErrMeshUnavailable wraps any transport or HTTP-status failure
// talking to the control socket.
var ErrMeshUnavailable = fmt.Errorf("mesh: control socket unavailable")

// Client is a minimal client for the mesh's local control socket.
type Client struct {
	http *http.Client
}

// New returns a Client that dials socketPath for every request.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   wire.RequestTimeout,
		},
	}
}

// peerStatus is the subset of a single peer's status this module reads.
type peerStatus struct {
	Online        bool     `json:"Online"`
	TailscaleIPs  []string `json:"TailscaleIPs"`
}

// statusResponse is the subset of the mesh status document this
// module reads.
type statusResponse struct {
	TailscaleIPs []string              `json:"TailscaleIPs"`
	Peer         map[string]peerStatus `json:"Peer"`
}

func (c *Client) status(ctx context.Context) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://mesh"+statusPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMeshUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMeshUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrMeshUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: malformed status: %v", ErrMeshUnavailable, err)
	}
	return &s, nil
}

// OwnIPv4 returns the first IPv4 address this node has on the mesh.
func (c *Client) OwnIPv4(ctx context.Context) (string, error) {
	s, err := c.status(ctx)
	if err != nil {
		return "", err
	}
	for _, ip := range s.TailscaleIPs {
		if isIPv4(ip) {
			return ip, nil
		}
	}
	return "", ErrNoLocalAddress
}

// PeerIPv4s returns the IPv4 addresses of every online peer, plus this
// node's own IPv4 addresses. Non-IPv4 entries are silently dropped.
func (c *Client) PeerIPv4s(ctx context.Context) ([]string, error) {
	s, err := c.status(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ip := range s.TailscaleIPs {
		if isIPv4(ip) {
			out = append(out, ip)
		}
	}
	for _, peer := range s.Peer {
		if !peer.Online {
			continue
		}
		for _, ip := range peer.TailscaleIPs {
			if isIPv4(ip) {
				out = append(out, ip)
			}
		}
	}
	return out, nil
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
