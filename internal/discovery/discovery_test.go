package discovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/net/nettest"

	"minidisc/internal/mesh"
	"minidisc/internal/wire"
)

// newTestMesh starts a fake mesh status socket reporting peerAddrs as
// the online peers' IPv4s, and returns a mesh.Client pointed at it.
func newTestMesh(t *testing.T, peerAddrs []string) *mesh.Client {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "mesh.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}

	body := `{"TailscaleIPs":[],"Peer":{`
	for i, addr := range peerAddrs {
		if i > 0 {
			body += ","
		}
		body += `"p` + string(rune('a'+i)) + `":{"Online":true,"TailscaleIPs":["` + addr + `"]}`
	}
	body += `}}`

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	t.Cleanup(func() { os.Remove(sockPath) })

	return mesh.New(sockPath)
}

// leaderOn binds a fake Leader's /services handler on addr:28004 (the
// fixed well-known port discovery always dials), skipping the test if
// that address/port combination isn't available in this environment.
func leaderOn(t *testing.T, addr string, services []wire.Service) {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(addr, "28004"))
	if err != nil {
		t.Skipf("cannot bind %s:28004 in this environment: %v", addr, err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		data, _ := jsonMarshalServices(services)
		w.Write(data)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
}

func jsonMarshalServices(services []wire.Service) ([]byte, error) {
	out := []byte("[")
	for i, s := range services {
		if i > 0 {
			out = append(out, ',')
		}
		data, err := s.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	out = append(out, ']')
	return out, nil
}

func TestListAggregatesAcrossPeers(t *testing.T) {
	leaderOn(t, "127.0.0.1", []wire.Service{
		{Name: "x", Labels: map[string]string{}, Addr: "127.0.0.1", Port: 10},
	})
	leaderOn(t, "127.0.0.2", []wire.Service{
		{Name: "y", Labels: map[string]string{}, Addr: "127.0.0.2", Port: 20},
	})

	m := newTestMesh(t, []string{"127.0.0.1", "127.0.0.2"})
	c := New(m)
	services, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := map[string]bool{}
	for _, s := range services {
		names[s.Name] = true
	}
	if len(services) != 2 || !names["x"] || !names["y"] {
		t.Errorf("got %+v", services)
	}
}

func TestListSwallowsConnectionRefused(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr, _, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	m := newTestMesh(t, []string{deadAddr})
	c := New(m)
	services, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v (connection-refused peers should be swallowed)", err)
	}
	if len(services) != 0 {
		t.Errorf("expected no services, got %+v", services)
	}
}

func TestListPropagatesRemoteErrorOnBadStatus(t *testing.T) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", "28004"))
	if err != nil {
		t.Skipf("cannot bind 127.0.0.1:28004 in this environment: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	m := newTestMesh(t, []string{"127.0.0.1"})
	c := New(m)
	_, err = c.List(context.Background())
	if !errors.Is(err, ErrRemote) {
		t.Errorf("got %v, want ErrRemote", err)
	}
}

func TestFind(t *testing.T) {
	leaderOn(t, "127.0.0.1", []wire.Service{
		{Name: "y", Labels: map[string]string{"env": "prod"}, Addr: "127.0.0.1", Port: 20},
	})

	m := newTestMesh(t, []string{"127.0.0.1"})
	c := New(m)

	loc, ok, err := c.Find(context.Background(), "y", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || loc != (Location{Addr: "127.0.0.1", Port: 20}) {
		t.Errorf("got %+v, %v", loc, ok)
	}

	_, ok, err = c.Find(context.Background(), "y", map[string]string{"env": "dev"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Errorf("expected no match for mismatched label")
	}
}
