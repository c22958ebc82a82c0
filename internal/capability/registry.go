// Package capability lets decoder nodes sharing a bus discover each other.
// Every node announces what it can do (models, decoder modes, exported
// inference) and heartbeats; peers track liveness from those messages.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce  = "ctrl.node.announce"
	SubjectHeartbeat = "ctrl.node.heartbeat"

	// Names of the capabilities a node derives from its configuration.
	Decode      = "stt.decode"
	StreamSTT   = "stt.stream"
	BusSTT      = "stt.bus"
	ServeEngine = "engine.serve"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Advertised derives the capabilities of a node from its configuration,
// followed by any extra ones listed under node.capabilities.
func Advertised(cfg config.Config) []Capability {
	decode := Capability{
		Name: Decode,
		Attributes: map[string]string{
			"model":   cfg.Model.Name,
			"mode":    cfg.Decoder.Mode,
			"engine":  cfg.Engine.Mode,
			"symbols": strconv.Itoa(cfg.Decoder.MaxSymbolsPerFrame),
		},
	}
	if cfg.Decoder.Mode == "beam" {
		decode.Attributes["beam_width"] = strconv.Itoa(cfg.Decoder.BeamWidth)
	}
	caps := []Capability{decode}
	if cfg.STT.Enabled {
		caps = append(caps, Capability{Name: BusSTT, Attributes: map[string]string{
			"sample_rate": strconv.Itoa(cfg.STT.SampleRate),
		}})
	}
	if cfg.STT.Websocket {
		caps = append(caps, Capability{Name: StreamSTT})
	}
	if cfg.Engine.Serve {
		caps = append(caps, Capability{Name: ServeEngine, Attributes: map[string]string{
			"subject_prefix": cfg.Engine.SubjectPrefix,
			"model":          cfg.Model.Name,
		}})
	}
	for _, c := range cfg.Node.Capabilities {
		caps = append(caps, Capability{Name: c.Name, Tier: c.Tier, Attributes: maps.Clone(c.Attributes)})
	}
	return caps
}

type Registry struct {
	cfg    config.NodeConfig
	caps   []Capability
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry subscribes to peer announcements, announces caps for this node
// and starts heartbeating until ctx is cancelled or Close is called.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    func() time.Time { return time.Now().UTC() },
		cancel: cancel,
		nodes:  make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth(r.now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.now(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now()}
	return r.bus.PublishJSON(SubjectHeartbeat+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now()
	}
	fresh := announcement.NodeID != r.cfg.ID && !r.knows(announcement.NodeID)
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	if fresh {
		// The newcomer missed our earlier announcement.
		if err := r.announce(); err != nil {
			r.log.Debug("re-announce failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) knows(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Info("node discovered", slog.String("node_id", nodeID))
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
}

// evaluateHealth marks nodes not heard from within the heartbeat timeout.
func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.ID == r.cfg.ID {
			continue
		}
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns a snapshot of known nodes, sorted by id, that satisfy filter.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = slices.Clone(node.Capabilities)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-stream/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.nodes.known", metric.WithDescription("Number of known decoder nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.nodes.healthy", metric.WithDescription("Number of nodes within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Name == name })
	}
}

// WithAttribute matches nodes advertising capability name with attr=value,
// for example engine.serve nodes for a given model.
func WithAttribute(name, attr, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool {
			return c.Name == name && c.Attributes[attr] == value
		})
	}
}

func HealthyOnly(node NodeInfo) bool { return node.Healthy }
