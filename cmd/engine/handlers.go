package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pegboardhq/engine/pkg/guard"
	"github.com/pegboardhq/engine/pkg/ops"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

// guardHandler resolves every inbound request through router, per spec
// §4.G's path/header/subprotocol/runner-connect/fallback precedence. Actor
// routes are reported back as a routing decision rather than proxied byte
// for byte here: the gateway's per-request framing lives in pkg/tunnel's
// RequestSlot/pubsub primitives, which a full reverse proxy would drive one
// HTTP request at a time — out of scope for this CLI's wiring.
func guardHandler(router *guard.Router, tunnels *tunnelRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		out, err := router.Resolve(req.Context(), guard.Request{
			Host:         req.Host,
			Method:       req.Method,
			Path:         req.URL.Path,
			TargetHeader: req.Header.Get("x-rivet-target"),
			ActorHeader:  req.Header.Get("x-rivet-actor"),
		})
		if err != nil {
			writeErr(w, err)
			return
		}

		switch out.Kind {
		case guard.RouteRunnerConn:
			runnerID, ok := parseRunnerIDQuery(req)
			if !ok {
				http.Error(w, "missing or invalid runner_id", http.StatusBadRequest)
				return
			}
			tunnels.Connect(w, req, runnerID)
		default:
			writeJSON(w, http.StatusOK, out)
		}
	})
}

func parseRunnerIDQuery(req *http.Request) (types.RunnerID, bool) {
	raw := req.URL.Query().Get("runner_id")
	if raw == "" {
		return 0, false
	}
	return types.ParseRunnerID(raw)
}

func kvOpsHandler(k *ops.KV) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		actorID, ok := types.ParseActorID(req.URL.Query().Get("actor_id"))
		if !ok {
			http.Error(w, "missing or invalid actor_id", http.StatusBadRequest)
			return
		}
		key := req.URL.Query().Get("key")

		switch req.Method {
		case http.MethodGet:
			if key == "" {
				prefix := req.URL.Query().Get("prefix")
				limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
				entries, err := k.List(req.Context(), actorID, prefix, limit, req.URL.Query().Get("reverse") == "true")
				if err != nil {
					writeErr(w, err)
					return
				}
				writeJSON(w, http.StatusOK, entries)
				return
			}
			v, err := k.Get(req.Context(), actorID, key)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"value_b64": v})
		case http.MethodPut:
			body, err := decodeBody[putKvBody](req)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := k.Put(req.Context(), actorID, key, body.Value); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := k.Delete(req.Context(), actorID, key); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

type putKvBody struct {
	Value []byte `json:"value"`
}

// actorsHandler implements get_or_create's external entry point: PUT
// /actors?namespace=ns creates (or, on a key conflict, fetches) an actor per
// spec §8's driving scenarios, mirroring kvOpsHandler/runnerConfigsHandler's
// decode-dispatch-writeJSON shape.
func actorsHandler(o *ops.Ops) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		namespaceID := req.URL.Query().Get("namespace")
		if namespaceID == "" {
			http.Error(w, "missing namespace", http.StatusBadRequest)
			return
		}
		body, err := decodeBody[createActorBody](req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := o.GetOrCreate(req.Context(), namespaceID, ops.CreateRequest{
			Name:               body.Name,
			Key:                body.Key,
			RunnerNameSelector: body.RunnerNameSelector,
			CrashPolicy:        body.CrashPolicy,
			Input:              body.Input,
			ForwardRequest:     body.ForwardRequest,
			DatacenterNameHint: body.DatacenterName,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	})
}

type createActorBody struct {
	Name               string            `json:"name"`
	Key                string            `json:"key"`
	RunnerNameSelector string            `json:"runner_name_selector"`
	CrashPolicy        types.CrashPolicy `json:"crash_policy"`
	Input              []byte            `json:"input"`
	ForwardRequest     bool              `json:"forward_request"`
	DatacenterName     string            `json:"datacenter_name"`
}

func listOpsHandler(o *ops.Ops) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		namespaceID := req.URL.Query().Get("namespace_id")
		if namespaceID == "" {
			http.Error(w, "missing namespace_id", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		res, err := o.List(req.Context(), namespaceID, ops.ListRequest{
			Name:             req.URL.Query().Get("name"),
			Key:              req.URL.Query().Get("key"),
			IncludeDestroyed: req.URL.Query().Get("include_destroyed") == "true",
			Limit:            limit,
			Cursor:           req.URL.Query().Get("cursor"),
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

func runnerConfigsHandler(rc *ops.RunnerConfigs) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		namespaceID, name, ok := splitRunnerConfigPath(req.URL.Path)
		if !ok {
			http.Error(w, "path must be /ops/runner-configs/{namespace_id}[/{name}]", http.StatusBadRequest)
			return
		}

		switch req.Method {
		case http.MethodGet:
			if name == "" {
				cfgs, err := rc.List(req.Context(), namespaceID)
				if err != nil {
					writeErr(w, err)
					return
				}
				writeJSON(w, http.StatusOK, cfgs)
				return
			}
			cfg, found, err := rc.Get(req.Context(), namespaceID, name)
			if err != nil {
				writeErr(w, err)
				return
			}
			if !found {
				http.NotFound(w, req)
				return
			}
			writeJSON(w, http.StatusOK, cfg)
		case http.MethodPut:
			cfg, err := decodeBody[types.RunnerConfig](req)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := rc.Upsert(req.Context(), namespaceID, name, cfg); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := rc.Delete(req.Context(), namespaceID, name); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func splitRunnerConfigPath(path string) (namespaceID, name string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/ops/runner-configs/")
	if trimmed == path || trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	namespaceID = parts[0]
	if len(parts) == 2 {
		name = parts[1]
	}
	return namespaceID, name, true
}

func healthHandler(h *ops.Health) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, h.Fanout(req.Context()))
	})
}

func tracingHandler(t *ops.Tracing) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			cfg, err := t.Get(req.Context())
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, cfg)
		case http.MethodPut:
			var upd ops.TracingConfigUpdate
			body, err := readAll(req)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := upd.UnmarshalJSON(body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			cfg, err := t.Update(req.Context(), upd)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, cfg)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if pe, ok := perr.As(err); ok {
		data, marshalErr := pe.Marshal()
		if marshalErr == nil {
			status := http.StatusConflict
			if pe.Code == "kv_key_not_found" {
				status = http.StatusNotFound
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(data)
			return
		}
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func decodeBody[T any](req *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(req.Body).Decode(&v)
	return v, err
}

func readAll(req *http.Request) ([]byte, error) {
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
