// Package perr implements the platform's typed error taxonomy: every error
// that crosses an operation boundary carries a group, a machine-readable
// code, a human message, and optional metadata a caller can act on (e.g.
// existing_actor_id on a duplicate-key conflict) without string-matching the
// message.
package perr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Group classifies an Error by the taxonomy category in the error handling
// design: validation, conflict, not-found, capacity/timing, auth, topology,
// or infra.
type Group string

const (
	GroupValidation Group = "validation"
	GroupConflict   Group = "conflict"
	GroupNotFound   Group = "not_found"
	GroupCapacity   Group = "capacity"
	GroupAuth       Group = "auth"
	GroupTopology   Group = "topology"
	GroupInfra      Group = "infra"
)

// Error is the platform's typed error. It implements the error interface and
// is also the JSON shape sent in remote ErrorResponse bodies, so a field
// renamed here changes the wire contract — keep json tags stable.
type Error struct {
	Group    Group          `json:"group"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
	}
	return fmt.Sprintf("%s.%s", e.Group, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target has the same group and code, so that
// errors.Is(err, NamespaceNotFound()) works across process boundaries as
// long as both are reconstructed from the taxonomy constructors below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Group == t.Group && e.Code == t.Code
}

// Meta returns a metadata value by key with the requested type, used by
// recovery paths such as get_or_create's DuplicateKey -> existing_actor_id
// extraction.
func Meta[T any](e *Error, key string) (T, bool) {
	var zero T
	if e == nil || e.Metadata == nil {
		return zero, false
	}
	v, ok := e.Metadata[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func newErr(group Group, code, message string, cause error, kv ...any) *Error {
	e := &Error{Group: group, Code: code, Message: message, cause: cause}
	if len(kv) > 0 {
		e.Metadata = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Metadata[key] = kv[i+1]
		}
	}
	return e
}

// WithCause attaches an underlying cause (e.g. a context.DeadlineExceeded)
// for errors.Unwrap / errors.Is chains, without changing the wire shape.
func (e *Error) WithCause(cause error) *Error {
	e2 := *e
	e2.cause = cause
	return &e2
}

// --- Validation ---

func NamespaceNotFound(namespace string) *Error {
	return newErr(GroupValidation, "namespace_not_found", "namespace does not exist", nil, "namespace", namespace)
}

func InputTooLarge(max int) *Error {
	return newErr(GroupValidation, "input_too_large", fmt.Sprintf("input exceeds %d bytes", max), nil, "max", max)
}

func EmptyKey() *Error {
	return newErr(GroupValidation, "empty_key", "key must be non-empty", nil)
}

func KeyTooLarge(max int, preview string) *Error {
	return newErr(GroupValidation, "key_too_large", fmt.Sprintf("key exceeds %d bytes", max), nil, "max", max, "preview", preview)
}

func MissingHeader(name string) *Error {
	return newErr(GroupValidation, "missing_header", fmt.Sprintf("missing required header %q", name), nil, "name", name)
}

func InvalidURL(raw string) *Error {
	return newErr(GroupValidation, "invalid_url", "malformed URL", nil, "url", raw)
}

func RunnerConfigInvalid(reason string) *Error {
	return newErr(GroupValidation, "runner_config_invalid", reason, nil, "reason", reason)
}

// --- Conflict ---

func DuplicateKey(key string, existingActorID string) *Error {
	return newErr(GroupConflict, "duplicate_key", "an actor with this key already exists", nil,
		"key", key, "existing_actor_id", existingActorID)
}

func KeyReservedInDifferentDatacenter(dcLabel uint16) *Error {
	return newErr(GroupConflict, "key_reserved_in_different_datacenter", "key is reserved in a different datacenter", nil,
		"datacenter_label", dcLabel)
}

// --- Not found ---

func ActorNotFound(actorID string) *Error {
	return newErr(GroupNotFound, "actor_not_found", "actor does not exist", nil, "actor_id", actorID)
}

func RunnerNotFound(runnerID string) *Error {
	return newErr(GroupNotFound, "runner_not_found", "runner does not exist", nil, "runner_id", runnerID)
}

func KvKeyNotFound(key string) *Error {
	return newErr(GroupNotFound, "kv_key_not_found", "key does not exist", nil, "key", key)
}

// --- Capacity / timing ---

func NoRunnersAvailable(namespace, runnerName string) *Error {
	return newErr(GroupCapacity, "no_runners_available", "no eligible runners", nil,
		"namespace", namespace, "runner_name", runnerName)
}

func ActorReadyTimeout(actorID string) *Error {
	return newErr(GroupCapacity, "actor_ready_timeout", "actor did not become ready in time", nil, "actor_id", actorID)
}

func RunnerNoResponse(runnerID string) *Error {
	return newErr(GroupCapacity, "runner_no_response", "runner did not acknowledge in time", nil, "runner_id", runnerID)
}

func RunnerConnectionLost(runnerID string) *Error {
	return newErr(GroupCapacity, "runner_connection_lost", "runner connection was lost", nil, "runner_id", runnerID)
}

func RunnerDrainingTimeout(runnerID string) *Error {
	return newErr(GroupCapacity, "runner_draining_timeout", "runner did not drain in time", nil, "runner_id", runnerID)
}

func WebSocketServiceTimeout() *Error {
	return newErr(GroupCapacity, "websocket_service_timeout", "websocket service timed out", nil)
}

func WebSocketServiceUnavailable() *Error {
	return newErr(GroupCapacity, "websocket_service_unavailable", "websocket service unavailable", nil)
}

func WebSocketServiceHibernate() *Error {
	return newErr(GroupCapacity, "websocket_service_hibernate", "websocket session hibernated", nil)
}

// --- Auth ---

func ApiForbidden() *Error {
	return newErr(GroupAuth, "api_forbidden", "forbidden", nil)
}

// --- Topology ---

func MustUseRegionalHost() *Error {
	return newErr(GroupTopology, "must_use_regional_host", "request must target a valid regional host", nil)
}

func DatacenterNotFound(label uint16) *Error {
	return newErr(GroupTopology, "datacenter_not_found", "datacenter does not exist", nil, "datacenter_label", label)
}

// --- Infra ---

func RetryableConflict(cause error) *Error {
	return newErr(GroupInfra, "retryable_conflict", "transaction conflict, retry", cause)
}

func MaxRetriesReached(attempts int) *Error {
	return newErr(GroupInfra, "max_retries_reached", "exceeded maximum retry attempts", nil, "attempts", attempts)
}

func TooOld() *Error {
	return newErr(GroupInfra, "too_old", "transaction exceeded wall-clock budget", nil)
}

func NonRetryable(cause error) *Error {
	return newErr(GroupInfra, "non_retryable", "non-retryable infrastructure error", cause)
}

// Marshal encodes e as the wire ErrorResponse body.
func (e *Error) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a remote ErrorResponse body into an *Error, for cross-DC
// forwarding paths that must inspect both the local error chain and the
// remote response body (see design note on typed-error metadata).
func Parse(body []byte) (*Error, error) {
	var e Error
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// As extracts a *perr.Error from err's chain, mirroring errors.As but
// returning a bool for call-site brevity.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
