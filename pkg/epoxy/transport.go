package epoxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProtocolVersion is embedded in both the URL path and the body envelope of
// every cross-replica Epoxy message, letting a replica reject a peer running
// an incompatible wire format instead of misinterpreting its bytes.
const ProtocolVersion = 1

// HTTPTransport pushes Epoxy messages to peer replicas over HTTP, matching
// "POST {replica_url}/v{PROTOCOL_VERSION}/epoxy/message" with a
// versioned body. The body is a version byte followed by a JSON payload
// rather than BARE, since pkg/wire's binary framing targets the
// runner/gateway tunnel; Epoxy's peer-to-peer messages are comparatively
// low-volume control traffic where a self-describing envelope outweighs the
// savings of a hand-packed binary one.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport constructs a transport with a bounded per-request
// timeout; Epoxy fan-outs run inside an errgroup with their own context, but
// a client-side timeout keeps one stuck peer from holding a connection open
// indefinitely.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 10 * time.Second}}
}

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// UpdateConfig implements Transport by POSTing the new cluster config to a
// peer replica's Epoxy message endpoint.
func (t *HTTPTransport) UpdateConfig(ctx context.Context, replicaURL string, cfg ClusterConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return t.post(ctx, replicaURL, envelope{Kind: "update_config", Body: body})
}

// PreAccept sends a PreAccept proposal to a peer replica and decodes its reply.
func (t *HTTPTransport) PreAccept(ctx context.Context, replicaURL string, req PreAcceptRequest) (PreAcceptReply, error) {
	var reply PreAcceptReply
	body, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	respBody, err := t.postReply(ctx, replicaURL, envelope{Kind: "pre_accept", Body: body})
	if err != nil {
		return reply, err
	}
	err = json.Unmarshal(respBody, &reply)
	return reply, err
}

// Accept sends an Accept proposal to a peer replica and decodes its reply.
func (t *HTTPTransport) Accept(ctx context.Context, replicaURL string, req AcceptRequest) (AcceptReply, error) {
	var reply AcceptReply
	body, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	respBody, err := t.postReply(ctx, replicaURL, envelope{Kind: "accept", Body: body})
	if err != nil {
		return reply, err
	}
	err = json.Unmarshal(respBody, &reply)
	return reply, err
}

// Commit notifies a peer replica that an instance has committed.
func (t *HTTPTransport) Commit(ctx context.Context, replicaURL string, req CommitRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.post(ctx, replicaURL, envelope{Kind: "commit", Body: body})
}

func (t *HTTPTransport) post(ctx context.Context, replicaURL string, env envelope) error {
	_, err := t.postReply(ctx, replicaURL, env)
	return err
}

func (t *HTTPTransport) postReply(ctx context.Context, replicaURL string, env envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	versioned := make([]byte, 0, len(payload)+1)
	versioned = append(versioned, ProtocolVersion)
	versioned = append(versioned, payload...)

	url := fmt.Sprintf("%s/v%d/epoxy/message", replicaURL, ProtocolVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(versioned))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("epoxy: peer %s returned status %d", replicaURL, resp.StatusCode)
	}
	if len(respBody) < 1 || respBody[0] != ProtocolVersion {
		return nil, fmt.Errorf("epoxy: peer %s returned incompatible protocol version", replicaURL)
	}
	return respBody[1:], nil
}

// Handler serves the inbound side of the Epoxy HTTP contract: decode the
// versioned envelope, dispatch to the local Replica, and reply with a
// matching versioned envelope.
func Handler(r *Replica) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil || len(body) < 1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body[0] != ProtocolVersion {
			http.Error(w, "incompatible protocol version", http.StatusBadRequest)
			return
		}

		var env envelope
		if err := json.Unmarshal(body[1:], &env); err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		respBody, err := dispatch(req.Context(), r, env)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(append([]byte{ProtocolVersion}, respBody...))
	})
}

func dispatch(ctx context.Context, r *Replica, env envelope) ([]byte, error) {
	switch env.Kind {
	case "update_config":
		var cfg ClusterConfig
		if err := json.Unmarshal(env.Body, &cfg); err != nil {
			return nil, err
		}
		r.HandleUpdateConfig(cfg)
		return json.Marshal(struct{}{})
	case "pre_accept":
		var req PreAcceptRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return nil, err
		}
		return json.Marshal(r.HandlePreAccept(req))
	case "accept":
		var req AcceptRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return nil, err
		}
		return json.Marshal(r.HandleAccept(req))
	case "commit":
		var req CommitRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return nil, err
		}
		if err := r.HandleCommit(ctx, req); err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})
	default:
		return nil, fmt.Errorf("epoxy: unknown message kind %q", env.Kind)
	}
}
