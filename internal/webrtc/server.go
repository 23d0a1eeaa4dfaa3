// Package webrtc pushes live occupancy events to browsers over a WebRTC
// data channel.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/metrics"
	"github.com/dj-oyu/zone-occupancy/internal/session"
)

// ChannelLabel is the data channel the browser opens to receive events.
const ChannelLabel = "occupancy"

var (
	// ErrTooManyClients is returned by HandleOffer once maxClients are connected.
	ErrTooManyClients = errors.New("maximum clients reached")
	// ErrConnectionLost is returned by HandleOffer when the peer connection
	// fails before the answer is ready.
	ErrConnectionLost = errors.New("peer connection lost during signalling")
)

// EventSource supplies current-data events.
type EventSource interface {
	SubscribeEvents() (int, <-chan *session.Event)
	UnsubscribeEvents(id int)
}

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	closeChan  chan struct{}
	closeOnce  sync.Once
	eventsSent atomic.Uint64

	// lost is set under Server.clientsMu once the connection has failed
	lost bool
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closeChan) })
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	source     EventSource
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server. An empty stunServers list gathers
// host candidates only.
func NewServer(source EventSource, stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		source:     source,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. The offer must
// carry a data channel; events flow once the browser opens ChannelLabel.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected offer, got %q", offer.Type.String())
	}

	if n := s.ClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Warn("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s channel %s open", client.id, dc.Label())
			go s.sendEvents(client, dc)
		})
		dc.OnClose(client.close)
	})

	// Peer connection state covers both ICE and DTLS failures
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			go s.dropClient(client)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering so the answer carries every candidate
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	if err := s.addClient(client); err != nil {
		return nil, err
	}

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// addClient registers a client unless its connection was already lost.
func (s *Server) addClient(client *Client) error {
	s.clientsMu.Lock()
	if client.lost {
		s.clientsMu.Unlock()
		return fmt.Errorf("client %s: %w", client.id, ErrConnectionLost)
	}
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	s.updateClientGauge()
	return nil
}

// dropClient tears down a client whose connection went away, whether or not
// it was registered yet.
func (s *Server) dropClient(client *Client) {
	s.clientsMu.Lock()
	client.lost = true
	_, registered := s.clients[client.id]
	s.clientsMu.Unlock()

	if registered {
		s.RemoveClient(client.id)
		return
	}
	client.close()
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Close peer %s: %v", client.id, err)
	}
}

// sendEvents forwards current-data events to one client until it goes away.
func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	id, events := s.source.SubscribeEvents()
	defer s.source.UnsubscribeEvents(id)

	for {
		select {
		case <-client.closeChan:
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := dc.SendText(string(ev.JSONData)); err != nil {
				logger.Warn("WebRTC", "Error sending event to client %s: %v", client.id, err)
				return
			}
			client.eventsSent.Add(1)
		}
	}
}

// RemoveClient closes and forgets a client. Unknown ids are ignored.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	client.close()
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Close peer %s: %v", clientID, err)
	}
	s.updateClientGauge()

	logger.Info("WebRTC", "Client %s disconnected (events sent: %d)",
		clientID, client.eventsSent.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns the number of events sent per client
func (s *Server) ClientStats() map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = client.eventsSent.Load()
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

func (s *Server) updateClientGauge() {
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(uint64(s.ClientCount()))
	}
}
