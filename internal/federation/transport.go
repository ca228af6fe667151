package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	PathPush      = "/api/v1/federation/push"
	PathAnalytics = "/api/v1/federation/analytics"

	maxPeerResponseBytes = 4 << 20
)

// PushRequest is the body of a federation push.
type PushRequest struct {
	Source string  `json:"source"`
	Events []Event `json:"events"`
}

// PushResponse acknowledges a federation push.
type PushResponse struct {
	Accepted  int `json:"accepted"`
	Analytics int `json:"analytics"`
}

// AnalyticsResponse carries analytics events served to a pulling peer.
type AnalyticsResponse struct {
	Events    []Event   `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

type peerDelivery struct {
	product string
	events  []Event
}

// PushOnce routes pending events into peer outboxes and delivers every
// non-empty outbox. A failing peer never blocks the others.
func (m *Manager) PushOnce(ctx context.Context) {
	deliveries := m.fillOutboxes()
	if len(deliveries) == 0 {
		return
	}

	var group errgroup.Group
	for _, delivery := range deliveries {
		delivery := delivery
		group.Go(func() error {
			m.deliver(ctx, delivery)
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) fillOutboxes() []peerDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending
	m.pending = nil

	deliveries := make([]peerDelivery, 0, len(m.peerOrder))
	for _, product := range m.peerOrder {
		if !m.isSubscribed(product) {
			continue
		}
		state := m.states[product]
		types := m.pushTypes(product)
		if len(types) > 0 {
			allowed := make(map[string]struct{}, len(types))
			for _, entityType := range types {
				allowed[entityType] = struct{}{}
			}
			for _, event := range pending {
				if event.excludePeer == product {
					continue
				}
				if _, ok := allowed[event.Type]; ok {
					state.outbox = append(state.outbox, event)
				}
			}
		}
		if overflow := len(state.outbox) - m.outboxCapacity; overflow > 0 {
			state.outbox = append([]Event(nil), state.outbox[overflow:]...)
			state.dropped += int64(overflow)
			m.logger.Warn("federation outbox full; dropped oldest events",
				zap.String("peer", product),
				zap.Int("dropped", overflow))
		}
		if len(state.outbox) == 0 {
			continue
		}
		deliveries = append(deliveries, peerDelivery{
			product: product,
			events:  append([]Event(nil), state.outbox...),
		})
	}
	return deliveries
}

func (m *Manager) deliver(ctx context.Context, delivery peerDelivery) {
	var response PushResponse
	err := m.send(ctx, delivery.product, m.pushTimeout, http.MethodPost, PathPush, nil,
		PushRequest{Source: m.product, Events: delivery.events}, &response)

	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[delivery.product]
	if err != nil {
		state.reachable = false
		state.lastError = err.Error()
		m.logger.Warn("federation push failed",
			zap.String("peer", delivery.product),
			zap.Int("events", len(delivery.events)),
			zap.Error(err))
		return
	}
	// The outbox may have been trimmed by overflow since the snapshot.
	sent := len(delivery.events)
	if sent > len(state.outbox) {
		sent = len(state.outbox)
	}
	state.outbox = append([]Event(nil), state.outbox[sent:]...)
	state.reachable = true
	state.lastError = ""
	state.lastPushAt = m.clock().UTC()
}

// PullOnce fetches analytics from every subscribed pull peer.
func (m *Manager) PullOnce(ctx context.Context) {
	products := m.pullTargets()
	var group errgroup.Group
	for _, product := range products {
		product := product
		group.Go(func() error {
			m.pullFrom(ctx, product)
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) pullTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]string, 0)
	for _, product := range m.peerOrder {
		if m.isSubscribed(product) && m.pullsFrom(product) {
			targets = append(targets, product)
		}
	}
	return targets
}

func (m *Manager) pullFrom(ctx context.Context, product string) {
	started := m.clock().UTC()
	m.mu.Lock()
	since := m.states[product].lastPullAt
	m.mu.Unlock()
	if since.IsZero() {
		since = started.Add(-firstPullLookback)
	}

	query := url.Values{}
	query.Set("since", since.Format(time.RFC3339Nano))
	var response AnalyticsResponse
	err := m.send(ctx, product, m.pullTimeout, http.MethodGet, PathAnalytics, query, nil, &response)
	if err != nil {
		m.mu.Lock()
		state := m.states[product]
		state.reachable = false
		state.lastError = err.Error()
		m.mu.Unlock()
		m.logger.Warn("federation pull failed", zap.String("peer", product), zap.Error(err))
		return
	}

	local := m.HandleInboundEvents(ctx, product, response.Events)
	if len(local) > 0 && m.localSink != nil {
		m.deliverLocal(ctx, local)
	}

	// The peer's clock defines its analytics cursor.
	cursor := response.Timestamp
	if cursor.IsZero() {
		cursor = started
	}
	m.mu.Lock()
	state := m.states[product]
	state.reachable = true
	state.lastError = ""
	state.lastPullAt = cursor.UTC()
	m.mu.Unlock()
}

func (m *Manager) deliverLocal(ctx context.Context, events []Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("federation local sink panicked", zap.Any("panic", recovered))
		}
	}()
	m.localSink(ctx, events)
}

func (m *Manager) send(ctx context.Context, product string, timeout time.Duration, method, path string, query url.Values, payload any, out any) error {
	peer, ok := m.peers[product]
	if !ok {
		return fmt.Errorf("federation: unknown peer %s", product)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}

	endpoint := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port)),
		Path:     path,
		RawQuery: query.Encode(),
	}
	wireBody, encoding := syncwire.Compress(body, syncwire.DefaultCompressThreshold)
	var reader io.Reader
	if wireBody != nil {
		reader = bytes.NewReader(wireBody)
	}
	request, err := http.NewRequestWithContext(callCtx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		request.Header.Set("Content-Encoding", encoding)
	}
	m.signers[product].SignRequest(request, body)

	response, err := m.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxPeerResponseBytes))
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("federation: peer %s returned status %d", product, response.StatusCode)
	}
	if out == nil || len(responseBody) == 0 {
		return nil
	}
	return json.Unmarshal(responseBody, out)
}
