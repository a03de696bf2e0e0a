package medium

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// GossipConfig configures the libp2p gossipsub medium.
type GossipConfig struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	MDNS            bool
	IdentityKeyFile string
	BufferSize      int
}

// Gossip is a broker-less medium: relay instances form a gossipsub mesh.
// Both roles share one libp2p host, which is created by the first dial and
// closed when the last role is closed.
type Gossip struct {
	cfg    GossipConfig
	logger *slog.Logger

	mu   sync.Mutex
	node *gossipNode
	refs int
}

// NewGossip creates a gossip medium.
func NewGossip(cfg GossipConfig, logger *slog.Logger) *Gossip {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gossip{cfg: cfg, logger: logger}
}

func (g *Gossip) DialPublisher(ctx context.Context) (Publisher, error) {
	node, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &gossipPublisher{gossip: g, node: node}, nil
}

func (g *Gossip) DialSubscriber(ctx context.Context) (Subscriber, error) {
	node, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &gossipSubscriber{gossip: g, node: node, size: g.cfg.BufferSize}, nil
}

// PeerID returns the local peer id, or "" before the first dial.
func (g *Gossip) PeerID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node == nil {
		return ""
	}
	return g.node.host.ID().String()
}

func (g *Gossip) acquire(ctx context.Context) (*gossipNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node == nil {
		node, err := newGossipNode(ctx, g.cfg, g.logger)
		if err != nil {
			return nil, err
		}
		g.node = node
	}
	g.refs++
	return g.node, nil
}

func (g *Gossip) release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs--
	if g.refs > 0 || g.node == nil {
		return nil
	}
	node := g.node
	g.node = nil
	return node.close()
}

type gossipNode struct {
	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newGossipNode(ctx context.Context, cfg GossipConfig, logger *slog.Logger) (*gossipNode, error) {
	listenAddrs := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, s := range cfg.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	opts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if cfg.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(cfg.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	// The node outlives the dial ctx.
	nodeCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	n := &gossipNode{
		ctx:    nodeCtx,
		cancel: cancel,
		host:   h,
		ps:     ps,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}

	if cfg.MDNS {
		service := mdns.NewMdnsService(h, cfg.Rendezvous, &mdnsNotifee{host: h, logger: logger})
		if err := service.Start(); err != nil {
			logger.Warn("gossip_mdns_start_failed", slog.String("error", err.Error()))
		}
	}

	for _, raw := range cfg.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			logger.Warn("gossip_bootstrap_skipped", slog.String("addr", raw), slog.String("error", err.Error()))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warn("gossip_bootstrap_skipped", slog.String("addr", raw), slog.String("error", err.Error()))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("gossip_bootstrap_connect_failed", slog.String("peer", info.ID.String()), slog.String("error", err.Error()))
			continue
		}
		logger.Info("gossip_bootstrap_connected", slog.String("peer", info.ID.String()))
	}

	logger.Info("gossip_node_started", slog.String("peer_id", h.ID().String()))
	return n, nil
}

func (n *gossipNode) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

func (n *gossipNode) close() error {
	n.cancel()
	n.mu.Lock()
	for _, t := range n.topics {
		t.Close()
	}
	n.mu.Unlock()
	return n.host.Close()
}

type gossipPublisher struct {
	gossip *Gossip
	node   *gossipNode
	once   sync.Once
}

func (p *gossipPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	t, err := p.node.topic(channel)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

func (p *gossipPublisher) Close() error {
	var err error
	p.once.Do(func() { err = p.gossip.release() })
	return err
}

type gossipSubscriber struct {
	gossip *Gossip
	node   *gossipNode
	size   int

	mu      sync.Mutex
	subs    []*pubsub.Subscription
	streams []*stream
	closed  bool
}

func (s *gossipSubscriber) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	t, err := s.node.topic(channel)
	if err != nil {
		return nil, fmt.Errorf("gossip join %s: %w", channel, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("gossip subscribe %s: %w", channel, err)
	}

	st := newStream(s.size)
	go func() {
		defer st.close()
		for {
			msg, err := sub.Next(s.node.ctx)
			if err != nil {
				return
			}
			if !st.send(Message{Channel: channel, Payload: msg.Data}) {
				return
			}
		}
	}()

	s.subs = append(s.subs, sub)
	s.streams = append(s.streams, st)
	return st.out, nil
}

func (s *gossipSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.Cancel()
	}
	for _, st := range s.streams {
		st.close()
	}
	s.mu.Unlock()
	return s.gossip.release()
}

type mdnsNotifee struct {
	host   host.Host
	logger *slog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.logger.Debug("gossip_mdns_connect_failed", slog.String("peer", info.ID.String()), slog.String("error", err.Error()))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
