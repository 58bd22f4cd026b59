package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/resilience"
)

// NetworkOptions configures the peer transport.
type NetworkOptions struct {
	// Peers maps peer name to host:port.
	Peers map[string]string
	// SharedSecret is attached to every outbound payload and checked
	// on inbound messages. Empty disables authentication.
	SharedSecret string
	// Retries is the number of re-sends after a failed attempt.
	Retries int
	// Backoff is the linear backoff unit: attempt n waits Backoff*n.
	Backoff time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Client defaults to a 10-second-timeout http.Client.
	Client *http.Client
}

// Network sends messages to statically configured peers and logs every
// delivery through the local Bus.
type Network struct {
	bus     *Bus
	peers   map[string]string
	secret  string
	retries int
	backoff time.Duration
	logger  *slog.Logger
	client  *http.Client
}

// NewNetwork creates the transport around a local bus.
func NewNetwork(bus *Bus, opts NetworkOptions) *Network {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Network{
		bus:     bus,
		peers:   opts.Peers,
		secret:  opts.SharedSecret,
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  opts.Logger,
		client:  opts.Client,
	}
}

// Peers returns the configured peer names.
func (n *Network) Peers() []string {
	names := make([]string, 0, len(n.peers))
	for name := range n.peers {
		names = append(names, name)
	}
	return names
}

// Send normalizes and delivers one message to a named peer, retrying
// failed attempts with linearly increasing backoff. Returns the
// acknowledged payload. Message may be a string or a map with a
// "message" or "content" field.
func (n *Network) Send(ctx context.Context, peer, sender, receiver string, message interface{}) (map[string]interface{}, error) {
	addr, ok := n.peers[peer]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown peer: %s", peer)
	}

	payload := normalizePayload(sender, receiver, message)
	if n.secret != "" {
		payload["shared_secret"] = n.secret
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "message is not serializable", err)
	}
	url := fmt.Sprintf("http://%s/a2a", addr)

	retry := resilience.LinearRetryConfig(n.retries+1, n.backoff)
	var ack map[string]interface{}
	err = retry.Do(ctx, func() error {
		var attemptErr error
		ack, attemptErr = n.post(ctx, url, body)
		if attemptErr != nil {
			n.logger.Debug("a2a send attempt failed", "peer", peer, "error", attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "a2a delivery failed", err).
			WithContext("peer", peer).
			WithContext("url", url)
	}

	loggedSender, _ := payload["sender"].(string)
	loggedReceiver, _ := payload["receiver"].(string)
	if _, logErr := n.bus.SendLocal(ctx, loggedSender, loggedReceiver, messageText(payload)); logErr != nil {
		n.logger.Warn("failed to log sent message", "error", logErr)
	}
	return ack, nil
}

func (n *Network) post(ctx context.Context, url string, body []byte) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, data)
	}
	var ack map[string]interface{}
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("malformed ack: %w", err)
	}
	return ack, nil
}

// Broadcast sends the same message to every configured peer in turn.
// One peer's failure does not roll back deliveries already made; the
// returned map carries the per-peer error (nil on success).
func (n *Network) Broadcast(ctx context.Context, sender string, message interface{}) map[string]error {
	results := make(map[string]error, len(n.peers))
	for peer := range n.peers {
		_, err := n.Send(ctx, peer, sender, peer, message)
		results[peer] = err
	}
	return results
}
