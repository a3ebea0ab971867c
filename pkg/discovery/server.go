package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/snapshot"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Config carries the discovery listener's tunables.
type Config struct {
	Bind                 string
	TLSCert              string
	TLSKey               string
	KeepAliveInterval    time.Duration
	KeepAliveMissLimit   int
	MaxStreamsPerCluster int
}

// Server pushes snapshot versions to data-plane subscribers over
// long-lived WebSocket streams.
type Server struct {
	cfg       Config
	auth      *auth.Core
	snapshots *snapshot.Cache
	broker    *events.Broker
	aud       *audit.Writer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clusters map[string]map[*stream]bool

	httpServer *http.Server
}

// stream is the per-subscriber state. It is owned by the stream's own
// goroutines; only membership in the cluster set is shared.
type stream struct {
	conn    *websocket.Conn
	proxyID string
	cluster string

	mu         sync.Mutex
	subscribed []snapshot.ResourceType
	lastSent   string
	lastAcked  string
	pinned     string

	pushCh  chan *snapshot.Snapshot
	closeCh chan struct{}
	once    sync.Once
}

// New creates the discovery server.
func New(cfg Config, authCore *auth.Core, snapshots *snapshot.Cache, broker *events.Broker, aud *audit.Writer) *Server {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if cfg.KeepAliveMissLimit <= 0 {
		cfg.KeepAliveMissLimit = 3
	}
	if cfg.MaxStreamsPerCluster <= 0 {
		cfg.MaxStreamsPerCluster = 256
	}
	return &Server{
		cfg:       cfg,
		auth:      authCore,
		snapshots: snapshots,
		broker:    broker,
		aud:       aud,
		upgrader:  websocket.Upgrader{ReadBufferSize: 32 << 10, WriteBufferSize: 32 << 10},
		clusters:  make(map[string]map[*stream]bool),
	}
}

// Handler returns the HTTP handler that upgrades discovery streams.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/discovery", s.handleStream)
	return mux
}

// Run serves the discovery listener and distributes snapshot updates
// until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.watch(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.WithComponent("discovery").Info().Str("bind", s.cfg.Bind).Msg("discovery listener starting")
	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// watch reacts to entity changes: it rebuilds the owning cluster's
// snapshot and fans the new version out to that cluster's streams.
func (s *Server) watch(ctx context.Context) {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if event.Type == events.EventClusterDeleted {
				s.closeCluster(event.ClusterID)
				continue
			}
			s.pushCluster(event.ClusterID)
		}
	}
}

func (s *Server) pushCluster(clusterID string) {
	snap, err := s.snapshots.Rebuild(clusterID)
	if err != nil {
		log.WithCluster(clusterID).Error().Err(err).Msg("snapshot rebuild failed")
		return
	}

	s.mu.Lock()
	streams := make([]*stream, 0, len(s.clusters[clusterID]))
	for st := range s.clusters[clusterID] {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.enqueue(snap)
	}
}

// enqueue queues a snapshot for delivery. When the queue is full the
// oldest pending version is discarded; a slow subscriber only needs to
// converge on the newest one.
func (st *stream) enqueue(snap *snapshot.Snapshot) {
	for {
		select {
		case st.pushCh <- snap:
			return
		case <-st.closeCh:
			return
		default:
		}
		select {
		case <-st.pushCh:
		default:
		}
	}
}

func (s *Server) closeCluster(clusterID string) {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.clusters[clusterID]))
	for st := range s.clusters[clusterID] {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.close()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	}
	record, err := s.auth.VerifyProxyToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if len(s.clusters[record.ClusterID]) >= s.cfg.MaxStreamsPerCluster {
		s.mu.Unlock()
		http.Error(w, "too many streams", http.StatusTooManyRequests)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	st := &stream{
		conn:    conn,
		proxyID: record.ProxyID,
		cluster: record.ClusterID,
		pushCh:  make(chan *snapshot.Snapshot, 8),
		closeCh: make(chan struct{}),
	}
	s.addStream(st)
	metrics.ActiveStreams.WithLabelValues(st.cluster).Inc()
	log.WithCluster(st.cluster).Info().Str("proxy_id", st.proxyID).Msg("discovery stream opened")

	go s.writeLoop(st, token)
	s.readLoop(st)

	s.removeStream(st)
	metrics.ActiveStreams.WithLabelValues(st.cluster).Dec()
	log.WithCluster(st.cluster).Info().Str("proxy_id", st.proxyID).Msg("discovery stream closed")
}

func (s *Server) addStream(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clusters[st.cluster] == nil {
		s.clusters[st.cluster] = make(map[*stream]bool)
	}
	s.clusters[st.cluster][st] = true
}

func (s *Server) removeStream(st *stream) {
	st.close()
	s.mu.Lock()
	delete(s.clusters[st.cluster], st)
	s.mu.Unlock()

	st.mu.Lock()
	pinned := st.pinned
	st.pinned = ""
	st.mu.Unlock()
	if pinned != "" {
		s.snapshots.Release(st.cluster, pinned)
	}
}

func (st *stream) close() {
	st.once.Do(func() {
		close(st.closeCh)
		st.conn.Close()
	})
}

// readLoop handles inbound frames until the stream dies.
func (s *Server) readLoop(st *stream) {
	st.conn.SetPongHandler(func(string) error {
		st.conn.SetReadDeadline(time.Now().Add(
			time.Duration(s.cfg.KeepAliveMissLimit) * s.cfg.KeepAliveInterval))
		return nil
	})
	st.conn.SetReadDeadline(time.Now().Add(
		time.Duration(s.cfg.KeepAliveMissLimit) * s.cfg.KeepAliveInterval))

	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			return
		}
		st.conn.SetReadDeadline(time.Now().Add(
			time.Duration(s.cfg.KeepAliveMissLimit) * s.cfg.KeepAliveInterval))

		frame, err := decodeFrame(data)
		if err != nil {
			log.WithCluster(st.cluster).Warn().Err(err).Str("proxy_id", st.proxyID).Msg("dropping stream on malformed frame")
			return
		}
		switch frame.Type {
		case FrameSubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(frame.Body, &req); err != nil {
				return
			}
			if err := s.handleSubscribe(st, &req); err != nil {
				return
			}
		case FrameAck:
			var ack Ack
			if err := json.Unmarshal(frame.Body, &ack); err != nil {
				return
			}
			s.handleAck(st, &ack)
		case FrameNack:
			var nack Ack
			if err := json.Unmarshal(frame.Body, &nack); err != nil {
				return
			}
			s.handleNack(st, &nack)
		}
	}
}

func (s *Server) handleSubscribe(st *stream, req *SubscribeRequest) error {
	for _, t := range req.ResourceTypes {
		if !snapshot.ValidResourceType(t) {
			return errors.New("unknown resource type")
		}
	}
	st.mu.Lock()
	st.subscribed = req.ResourceTypes
	st.lastAcked = req.LastAckedVersion
	// Force an initial push even if the subscriber claims a version;
	// a version no longer resident is served from scratch.
	st.lastSent = ""
	st.mu.Unlock()

	snap, err := s.snapshots.Current(st.cluster)
	if err != nil {
		return err
	}
	st.enqueue(snap)
	return nil
}

func (s *Server) handleAck(st *stream, ack *Ack) {
	st.mu.Lock()
	st.lastAcked = ack.Version
	st.mu.Unlock()
	metrics.DiscoveryPushesTotal.WithLabelValues("acked").Inc()
	s.updateLag(st.cluster)
}

// handleNack records the rejection and leaves the version pending; the
// server never retracts a push.
func (s *Server) handleNack(st *stream, nack *Ack) {
	st.mu.Lock()
	if nack.LastApplied != "" {
		st.lastAcked = nack.LastApplied
	}
	st.mu.Unlock()

	metrics.DiscoveryPushesTotal.WithLabelValues("nacked").Inc()
	s.aud.Record(&types.AuditEvent{
		Actor:     st.proxyID,
		ClusterID: st.cluster,
		Action:    "discovery.nack",
		Outcome:   types.OutcomeFailure,
		Detail:    nack.Error,
	})
	log.WithCluster(st.cluster).Warn().
		Str("proxy_id", st.proxyID).
		Str("version", nack.Version).
		Str("error", nack.Error).
		Msg("subscriber nacked version")
	s.updateLag(st.cluster)
}

// updateLag publishes how many of the cluster's streams still trail
// the current snapshot version.
func (s *Server) updateLag(clusterID string) {
	snap, err := s.snapshots.Current(clusterID)
	if err != nil {
		return
	}
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.clusters[clusterID]))
	for st := range s.clusters[clusterID] {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	lagging := 0
	for _, st := range streams {
		st.mu.Lock()
		if st.lastAcked != snap.Version {
			lagging++
		}
		st.mu.Unlock()
	}
	metrics.ConfigurationLag.WithLabelValues(clusterID).Set(float64(lagging))
}

// writeLoop delivers pushes and keep-alive pings, and closes the
// stream when the proxy token stops verifying (expiry, revocation,
// rotation past the overlap window).
func (s *Server) writeLoop(st *stream, token string) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	defer st.close()

	for {
		select {
		case <-st.closeCh:
			return
		case snap := <-st.pushCh:
			if !s.push(st, snap) {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := s.auth.VerifyProxyToken(ctx, token)
			cancel()
			if err != nil {
				log.WithCluster(st.cluster).Info().
					Str("proxy_id", st.proxyID).
					Msg("closing stream: proxy token no longer valid")
				return
			}
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// push sends one snapshot version. Versions are delivered in the
// order they were produced, and a stream never moves backwards.
func (s *Server) push(st *stream, snap *snapshot.Snapshot) bool {
	st.mu.Lock()
	if snap.Version == st.lastSent {
		st.mu.Unlock()
		return true
	}
	subscribed := st.subscribed
	st.mu.Unlock()
	if len(subscribed) == 0 {
		return true
	}

	start := time.Now()
	resp := &DiscoveryResponse{
		Version:   snap.Version,
		Resources: snap.Filter(subscribed),
	}
	data, err := encodeFrame(FrameResponse, resp)
	if err != nil {
		log.WithCluster(st.cluster).Error().Err(err).Msg("failed to encode discovery response")
		return false
	}
	st.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := st.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		metrics.DiscoveryPushesTotal.WithLabelValues("error").Inc()
		return false
	}
	metrics.DiscoveryPushesTotal.WithLabelValues("sent").Inc()
	metrics.DiscoveryPushLatency.Observe(time.Since(start).Seconds())

	// Pin the delivered version so the cache keeps it while this
	// subscriber may still reference it.
	var oldPin string
	st.mu.Lock()
	st.lastSent = snap.Version
	oldPin = st.pinned
	if s.snapshots.Acquire(st.cluster, snap.Version) {
		st.pinned = snap.Version
	} else {
		st.pinned = ""
	}
	st.mu.Unlock()
	if oldPin != "" {
		s.snapshots.Release(st.cluster, oldPin)
	}
	return true
}
