// Command minidiscd wires the mesh client, local registry, and
// protocol node together and runs them for the lifetime of the
// process. It is intentionally thin: launching and supervising this
// process is the job of an external process manager, not this binary.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"minidisc/internal/diag"
	"minidisc/internal/mesh"
	"minidisc/internal/node"
	"minidisc/internal/registry"
)

func main() {
	meshSocket := flag.String("mesh-socket", defaultMeshSocket(), "Path to the overlay mesh's local control socket")
	diagAddr := flag.String("diag-listen", "", "Optional loopback address to serve local diagnostic events on (e.g. 127.0.0.1:28099); empty disables it")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meshClient := mesh.New(*meshSocket)
	ownAddr, err := meshClient.OwnIPv4(ctx)
	if err != nil {
		log.Fatalf("minidisc: cannot determine local mesh address: %v", err)
	}
	log.Printf("minidisc: own address is %s", ownAddr)

	var hub *diag.Hub
	if *diagAddr != "" {
		hub = diag.NewHub()
		stopHub := make(chan struct{})
		go hub.Run(stopHub)
		go func() {
			<-ctx.Done()
			close(stopHub)
		}()

		mux := http.NewServeMux()
		mux.HandleFunc("/events", hub.ServeWS)
		srv := &http.Server{Addr: *diagAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("minidisc: diagnostic listener stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Printf("minidisc: diagnostic event feed on %s/events", *diagAddr)
	}

	reg := registry.New(ownAddr)
	n := node.New(ownAddr, reg, hub)

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("minidisc: node exited: %v", err)
	}
}

func defaultMeshSocket() string {
	if s := os.Getenv("MINIDISC_MESH_SOCKET"); s != "" {
		return s
	}
	return "/var/run/tailscale/tailscaled.sock"
}
