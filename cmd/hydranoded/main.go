// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Command hydranoded is the example game-server node: it wires every layer
// of the runtime together the way a real node would — a client
// listener, a cluster link to peer nodes, a pool of Redis clients, and an
// admin HTTP server — from one YAML config, hot-reloading the Redis server
// list and cluster seed list on every config file write.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hydranet/hydranet/client"
	"github.com/hydranet/hydranet/cluster"
	"github.com/hydranet/hydranet/config"
	"github.com/hydranet/hydranet/network"
	"github.com/hydranet/hydranet/packet"
	"github.com/hydranet/hydranet/pkg/logging"
	"github.com/hydranet/hydranet/server"
	"github.com/hydranet/hydranet/service"
)

// clientSessionKey is a placeholder per-connection encryption key for the
// example command: a real deployment provisions one per session out of its
// login/gateway flow instead of a fixed value.
var clientSessionKey = make([]byte, 64)

// handleClientPacket is the example command's entire game-protocol handler:
// it logs what arrived and nothing else, since the wire codec and framing
// are the runtime's concern, not this binary's.
func handleClientPacket(conn *network.TcpConn, p *packet.NetPacket) {
	logging.Debugf("client %v sent cmd %d, %d bytes", conn.PeerAddr, p.Cmd, len(p.Body))
}

var (
	configPath      = flag.String("p", "conf", "Config file path")
	basicConfigFile = flag.String("c", "hydranode.yaml", "Basic config filename")
	version         = flag.Bool("v", false, "Show version")
	help            = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
___________________________________________  ___  __
___  __ \_  ____/__  __ \__  __ \_  __ \_  |/ / \/ /
__  /_/ /  /    __  /_/ /_  /_/ /  / / /_    /__  /
_  _, _// /___  _  ____/_  _, _// /_/ /_    | _  /
/_/ |_| \____/  /_/     /_/ |_| \____/ /_/|_| /_/

`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

// redisPool is the set of RedisClients currently dialed, rebuilt to match
// cfg.Redis.Servers on every config reload without touching connections to
// servers that are still listed.
type redisPool struct {
	h  *service.Handle
	ns *service.NetService

	mu       sync.Mutex
	password string
	db       int
	clients  map[string]*client.RedisClient
}

func newRedisPool(h *service.Handle, ns *service.NetService) *redisPool {
	return &redisPool{h: h, ns: ns, clients: make(map[string]*client.RedisClient)}
}

func (p *redisPool) sync(servers []string, password string, db int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.password = password
	p.db = db

	wanted := make(map[string]struct{}, len(servers))
	for _, addr := range servers {
		wanted[addr] = struct{}{}
		if _, ok := p.clients[addr]; ok {
			continue
		}
		addr := addr
		rc := client.NewRedisClient(p.h, p.ns, addr, password, db,
			func() { logging.Infof("redis client %s ready", addr) },
			func(err error) { logging.Warnf("redis client %s lost: %v", addr, err) },
		)
		if err := rc.Connect(); err != nil {
			logging.Errorf("redis client %s failed to start: %v", addr, err)
			continue
		}
		p.clients[addr] = rc
	}
	for addr, rc := range p.clients {
		if _, ok := wanted[addr]; !ok {
			rc.Close()
			delete(p.clients, addr)
		}
	}
}

func (p *redisPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rc := range p.clients {
		rc.Close()
	}
}

// seedDialer dials every address in the cluster seed list at most once;
// it does not redial addresses already attempted, since a live peer is
// tracked by NodeData once its handshake completes and a seed that never
// answered is assumed to be misconfigured rather than retried forever.
type seedDialer struct {
	link *cluster.Link

	mu     sync.Mutex
	dialed map[string]struct{}
}

func newSeedDialer(link *cluster.Link) *seedDialer {
	return &seedDialer{link: link, dialed: make(map[string]struct{})}
}

func (s *seedDialer) sync(seeds []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range seeds {
		if _, ok := s.dialed[addr]; ok {
			continue
		}
		s.dialed[addr] = struct{}{}
		if err := s.link.Connect(addr); err != nil {
			logging.Warnf("failed to dial cluster seed %s: %v", addr, err)
		}
	}
}

func main() {
	parseCli()

	cfgFile := path.Join(*configPath, *basicConfigFile)
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		logging.Errorf("parse config file err: %v", err)
		return
	}

	if err = logging.InitializeLogger(
		logging.WithPath(cfg.Log.Path),
		logging.WithLogLevel(cfg.Log.Level),
	); err != nil {
		logging.Errorf("failed to initialize logger, err: %s", err)
		return
	}

	fmt.Print(banner)
	fmt.Printf("hydranoded version: %s\n", Tag)
	fmt.Printf("hydranoded started with port: %d, node_id: %d, pid: %d\n", cfg.Port, cfg.Cluster.NodeID, syscall.Getpid())
	logging.Infof("hydranoded started with port: %d, node_id: %d, pid: %d, version: %s", cfg.Port, cfg.Cluster.NodeID, syscall.Getpid(), Tag)

	h := service.New(fmt.Sprintf("node-%d", cfg.Cluster.NodeID))
	ns, err := service.NewNetService(h)
	if err != nil {
		logging.Errorf("failed to build net service: %v", err)
		return
	}
	go h.Run()
	defer h.Close()
	go func() {
		if err := ns.Reactor().Run(func() {}, func() {}); err != nil {
			logging.Errorf("reactor exited: %v", err)
		}
	}()
	defer ns.Reactor().Close()

	clientKey := func(*network.TcpConn) ([]byte, error) { return clientSessionKey, nil }

	clientLn, err := server.ListenTCP(ns, fmt.Sprintf(":%d", cfg.Port), server.Hooks{
		Typ:        server.TypeClient,
		KeyForConn: clientKey,
		OnPacket:   handleClientPacket,
		OnLost: func(conn *network.TcpConn, err error) {
			logging.Infof("client %v disconnected: %v", conn.PeerAddr, err)
		},
	})
	if err != nil {
		logging.Errorf("failed to listen for clients on port %d: %v", cfg.Port, err)
		return
	}
	defer clientLn.Close()

	link := cluster.NewLink(h, ns, cfg.Cluster.NodeID,
		func(nid uint64) { logging.Infof("cluster node %d connected", nid) },
		func(nid uint64) { logging.Warnf("cluster node %d lost", nid) },
		nil,
	)
	clusterLn, err := link.Listen(fmt.Sprintf(":%d", cfg.Port+1))
	if err != nil {
		logging.Errorf("failed to listen for cluster peers: %v", err)
		return
	}
	defer clusterLn.Close()

	seeds := newSeedDialer(link)
	seeds.sync(cfg.Cluster.Seeds)

	pool := newRedisPool(h, ns)
	pool.sync(cfg.Redis.Servers, cfg.Redis.Password, cfg.Redis.DB)
	defer pool.closeAll()

	watcher, err := config.Watch(cfgFile, func(newCfg *config.Config) {
		pool.sync(newCfg.Redis.Servers, newCfg.Redis.Password, newCfg.Redis.DB)
		seeds.sync(newCfg.Cluster.Seeds)
	})
	if err != nil {
		logging.Warnf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	httpSrv := server.NewHttpServer(fmt.Sprintf(":%d", cfg.Port+2), func(eng *gin.Engine) {
		eng.GET("/cluster/nodes", func(c *gin.Context) {
			type nodeView struct {
				Nid         uint64 `json:"nid"`
				ConnectedAt string `json:"connected_at"`
			}
			nodes := link.Nodes()
			res := make([]nodeView, 0, len(nodes))
			for _, nd := range nodes {
				res = append(res, nodeView{Nid: nd.Nid, ConnectedAt: nd.ConnectedAt.Format(time.RFC3339)})
			}
			c.JSON(http.StatusOK, res)
		})
	})
	httpSrv.Start(func(err error) { logging.Errorf("admin http server failed: %v", err) })
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Close(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Infof("hydranoded shutdown, pid: %d, port: %d", syscall.Getpid(), cfg.Port)
}
