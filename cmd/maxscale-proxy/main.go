// Command maxscale-proxy is the process entrypoint: it loads
// configuration, wires the router's backend pools, starts the
// metrics and admin HTTP servers, and accepts client connections,
// handing each one off to its own pinned session goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mariadb-corporation/MaxScale-sub029/internal/admin"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/backend"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/config"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/metrics"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/router"
	"github.com/mariadb-corporation/MaxScale-sub029/internal/session"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	p := newProxy(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.startHealthChecks(ctx)

	watcher, err := config.NewWatcher(*configPath, p.reload)
	if err != nil {
		log.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	if err := p.start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	var adminServer *admin.Server
	if cfg.Admin.Listen != "" {
		adminServer = admin.NewServer(p)
		if err := adminServer.Start(cfg.Admin.Listen); err != nil {
			log.Printf("admin server error: %v", err)
		} else {
			log.Printf("Admin API listening on %s", cfg.Admin.Listen)
		}
	}

	log.Println("maxscale-proxy started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if adminServer != nil {
		adminServer.Stop()
	}
	p.stop()
}

// proxy ties together the configured shard pools, the read/write-split
// router, the backend connection manager, and the accept loop that
// hands each client socket to its own session.
type proxy struct {
	mu     sync.RWMutex
	cfg    *config.Config
	pools  map[string]*router.Pool
	rtr    *router.ReadWriteSplitRouter
	mgr    *backend.Manager
	creds  session.Credentials
	connID uint32

	listeners []net.Listener

	sessionsMu sync.Mutex
	sessions   map[uint32]*session.Session
}

func newProxy(cfg *config.Config) *proxy {
	pools := make(map[string]*router.Pool)
	for name, shard := range cfg.Shards {
		pools[name] = router.NewPool(shard.Primary, shard.Replicas)
	}

	creds := make(session.Credentials)
	for user, password := range cfg.Auth.Users {
		creds[user] = []byte(password)
	}

	return &proxy{
		cfg:      cfg,
		pools:    pools,
		rtr:      router.NewReadWriteSplitRouter(pools, cfg.DBMap, cfg.Default),
		mgr:      backend.NewManager(cfg.Auth.BackendUser, cfg.Auth.BackendPassword),
		creds:    creds,
		sessions: make(map[uint32]*session.Session),
	}
}

func (p *proxy) startHealthChecks(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pool := range p.pools {
		go pool.StartHealthChecks(ctx, 10*time.Second)
	}
}

// reload applies a hot-reloaded config's shard topology to the live
// pools, matching the teacher's UpdateConfig entry point.
func (p *proxy) reload(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	for name, shard := range cfg.Shards {
		if pool, ok := p.pools[name]; ok {
			pool.UpdateReplicas(shard.Primary, shard.Replicas)
		} else {
			p.pools[name] = router.NewPool(shard.Primary, shard.Replicas)
		}
	}
}

func (p *proxy) start() error {
	p.mu.RLock()
	listen := p.cfg.Listen
	socket := p.cfg.Socket
	p.mu.RUnlock()

	tcpListener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	log.Printf("Listening on %s (tcp)", listen)
	p.listeners = append(p.listeners, tcpListener)
	go p.acceptLoop(tcpListener)

	if socket != "" {
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: could not remove existing socket: %v", err)
		}
		unixListener, err := net.Listen("unix", socket)
		if err != nil {
			return fmt.Errorf("failed to listen on unix socket: %w", err)
		}
		log.Printf("Listening on %s (unix)", socket)
		p.listeners = append(p.listeners, unixListener)
		go p.acceptLoop(unixListener)
	}
	return nil
}

func (p *proxy) stop() {
	for _, l := range p.listeners {
		l.Close()
	}
}

func (p *proxy) acceptLoop(listener net.Listener) {
	for {
		client, err := listener.Accept()
		if err != nil {
			log.Printf("accept error: %v", err)
			return
		}
		id := atomic.AddUint32(&p.connID, 1)
		go p.handleConnection(client, id)
	}
}

func (p *proxy) handleConnection(client net.Conn, id uint32) {
	defer client.Close()

	hist := history.New(p.cfg.History.MaxEntries, overflowPolicyFromString(p.cfg.History.OverflowPolicy))
	sb := p.mgr.ForSession(hist)
	defer sb.Close()

	getBackend := func(name string) (session.BackendDispatcher, error) {
		return sb.Get(name)
	}

	sess := session.New(id, client, p.rtr, p.creds, getBackend)

	p.sessionsMu.Lock()
	p.sessions[id] = sess
	p.sessionsMu.Unlock()
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()

	defer func() {
		p.sessionsMu.Lock()
		delete(p.sessions, id)
		p.sessionsMu.Unlock()
		metrics.SessionsActive.Dec()
	}()

	if err := sess.Handshake(); err != nil {
		metrics.AuthFailuresTotal.Inc()
		log.Printf("session %d: handshake failed: %v", id, err)
		return
	}

	sess.Run()
}

func overflowPolicyFromString(s string) history.OverflowPolicy {
	if s == "error_on_adoption" {
		return history.ErrorOnAdoption
	}
	return history.DisablePooling
}

// --- admin.Snapshot ---

func (p *proxy) Servers() []admin.ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []admin.ServerStatus
	for shard, pool := range p.pools {
		primary := pool.GetPrimary()
		out = append(out, admin.ServerStatus{Shard: shard, Address: primary, Role: "primary", Healthy: true})
	}
	return out
}

func (p *proxy) Sessions() []admin.SessionStatus {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()

	out := make([]admin.SessionStatus, 0, len(p.sessions))
	for id := range p.sessions {
		out = append(out, admin.SessionStatus{ID: id})
	}
	return out
}

func (p *proxy) Modules() []admin.ModuleStatus {
	return []admin.ModuleStatus{
		{Name: "read_write_split", Kind: "router"},
		{Name: "mysql_native_password", Kind: "auth"},
	}
}
