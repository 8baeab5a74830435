// Package node implements the Minidisc protocol actor: the
// leader/delegate state machine that guarantees exactly one process
// per mesh address serves discovery traffic on the well-known port,
// while letting other local processes still participate as delegates.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"minidisc/internal/diag"
	"minidisc/internal/registry"
	"minidisc/internal/wire"
)

// Role is one of the states a Node cycles through as it binds,
// serves as leader, or registers and runs as a delegate.
type Role string

const (
	RoleBinding             Role = "binding"
	RoleLeader              Role = "leader"
	RoleDelegateRegistering Role = "delegate-registering"
	RoleDelegate            Role = "delegate"
	RoleCooldown            Role = "cooldown"
	RoleRebinding           Role = "rebinding"
)

// ErrBindFailure is returned by Run when neither the well-known port
// nor an ephemeral port could be bound. Fatal: the caller should abort
// the Node.
var ErrBindFailure = errors.New("node: could not bind well-known or ephemeral port")

type delegateAddr struct {
	Addr string
	Port int
}

// Node is the protocol actor for one mesh address. Construct with New
// and drive it with Run; Run blocks until ctx is cancelled or a fatal
// BindFailure occurs.
type Node struct {
	ownAddr  string
	registry *registry.LocalRegistry
	diag     *diag.Hub
	client   *http.Client

	roleMu sync.RWMutex
	role   Role

	delMu     sync.Mutex
	delegates []delegateAddr
}

// New returns a Node for ownAddr, serving the services in reg.
// hub may be nil; it receives best-effort role and registry
// notifications and is never required for correctness.
func New(ownAddr string, reg *registry.LocalRegistry, hub *diag.Hub) *Node {
	n := &Node{
		ownAddr:  ownAddr,
		registry: reg,
		diag:     hub,
		client:   &http.Client{Timeout: wire.RequestTimeout},
		role:     RoleBinding,
	}
	reg.OnChange = func() {
		hub.Notify("registry", reg.Snapshot())
	}
	return n
}

// Role returns the Node's current role.
func (n *Node) Role() Role {
	n.roleMu.RLock()
	defer n.roleMu.RUnlock()
	return n.role
}

func (n *Node) setRole(r Role) {
	n.roleMu.Lock()
	n.role = r
	n.roleMu.Unlock()
	n.diag.Notify("role", r)
}

// Run drives the binding/leader/delegate state machine until ctx is
// cancelled. A Leader never voluntarily returns (it stays Leader for
// the process lifetime); a cancelled ctx unwinds whichever role is
// active.
func (n *Node) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ln, err := n.bind()
		if err != nil {
			n.setRole(RoleBinding)
			return fmt.Errorf("%w: %v", ErrBindFailure, err)
		}

		port := ln.Addr().(*net.TCPAddr).Port
		if port == wire.DiscoveryPort {
			n.setRole(RoleLeader)
			n.resetDelegates()
			log.Printf("minidisc: node: bound %s:%d, serving as leader", n.ownAddr, port)
			return n.serveLeader(ctx, ln)
		}

		n.setRole(RoleDelegateRegistering)
		log.Printf("minidisc: node: bound %s:%d, registering as delegate", n.ownAddr, port)

		srv := n.newServer()
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Serve(ln) }()

		if err := n.registerAsDelegate(ctx, port); err != nil {
			log.Printf("minidisc: node: delegate registration failed: %v", err)
			n.setRole(RoleCooldown)
			srv.Close()
			<-srvErr
			if !sleepCancellable(ctx, wire.CooldownDuration) {
				return ctx.Err()
			}
			continue
		}

		n.setRole(RoleDelegate)
		log.Printf("minidisc: node: registered as delegate on port %d", port)
		n.probeLeaderLoop(ctx)

		n.setRole(RoleRebinding)
		log.Printf("minidisc: node: leader lost, rebinding")
		srv.Close()
		<-srvErr

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// bind attempts the well-known port first, then an ephemeral port.
// The well-known port being taken is the normal case for every
// process except the first one on this address.
func (n *Node) bind() (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(n.ownAddr, strconv.Itoa(wire.DiscoveryPort)))
	if err == nil {
		return ln, nil
	}
	wellKnownErr := err

	ln, err = net.Listen("tcp", net.JoinHostPort(n.ownAddr, "0"))
	if err == nil {
		return ln, nil
	}
	return nil, fmt.Errorf("well-known bind: %v; ephemeral bind: %v", wellKnownErr, err)
}

func (n *Node) resetDelegates() {
	n.delMu.Lock()
	n.delegates = nil
	n.delMu.Unlock()
}

func (n *Node) newServer() *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/ping", n.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/services", n.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/add-delegate", n.handleAddDelegate).Methods(http.MethodPost)
	return &http.Server{Handler: r}
}

func (n *Node) serveLeader(ctx context.Context, ln net.Listener) error {
	srv := n.newServer()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ── HTTP handlers ──────────────────────────────────────────────

func (n *Node) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleServices(w http.ResponseWriter, r *http.Request) {
	services := n.registry.Snapshot()

	n.delMu.Lock()
	dels := make([]delegateAddr, len(n.delegates))
	copy(dels, n.delegates)
	n.delMu.Unlock()

	for _, d := range dels {
		fetched, err := n.fetchDelegateServices(r.Context(), d)
		if err != nil {
			if wire.IsConnRefused(err) {
				n.evictDelegate(d)
			}
			// Other errors (timeout, malformed body) leave the
			// delegate registered and simply omit its contribution.
			continue
		}
		services = append(services, fetched...)
	}

	respondJSON(w, http.StatusOK, services)
}

type addDelegateRequest struct {
	AddrPort string `json:"addrPort"`
}

func (n *Node) handleAddDelegate(w http.ResponseWriter, r *http.Request) {
	var body addDelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	host, portStr, err := net.SplitHostPort(body.AddrPort)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// The leader never checks addr == own_addr here; any reachable
	// address is accepted as a delegate. See DESIGN.md.
	n.delMu.Lock()
	n.delegates = append(n.delegates, delegateAddr{Addr: host, Port: port})
	n.delMu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// ── outbound calls ─────────────────────────────────────────────

func (n *Node) fetchDelegateServices(ctx context.Context, d delegateAddr) ([]wire.Service, error) {
	url := fmt.Sprintf("http://%s/services", net.JoinHostPort(d.Addr, strconv.Itoa(d.Port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node: delegate %s:%d returned status %d", d.Addr, d.Port, resp.StatusCode)
	}
	var services []wire.Service
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, fmt.Errorf("node: malformed services body from delegate %s:%d: %w", d.Addr, d.Port, err)
	}
	return services, nil
}

func (n *Node) evictDelegate(target delegateAddr) {
	n.delMu.Lock()
	defer n.delMu.Unlock()
	for i, d := range n.delegates {
		if d == target {
			n.delegates = append(n.delegates[:i], n.delegates[i+1:]...)
			return
		}
	}
}

func (n *Node) registerAsDelegate(ctx context.Context, port int) error {
	payload, _ := json.Marshal(addDelegateRequest{
		AddrPort: net.JoinHostPort(n.ownAddr, strconv.Itoa(port)),
	})
	url := fmt.Sprintf("http://%s/add-delegate", net.JoinHostPort(n.ownAddr, strconv.Itoa(wire.DiscoveryPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node: leader rejected delegate registration, status %d", resp.StatusCode)
	}
	return nil
}

func (n *Node) probeLeaderLoop(ctx context.Context) {
	ticker := time.NewTicker(wire.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.pingLeader(ctx) {
				return
			}
		}
	}
}

func (n *Node) pingLeader(ctx context.Context) bool {
	url := fmt.Sprintf("http://%s/ping", net.JoinHostPort(n.ownAddr, strconv.Itoa(wire.DiscoveryPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// sleepCancellable sleeps for d or until ctx is done, whichever comes
// first. It reports whether the sleep ran to completion.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
