package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pegboardhq/engine/pkg/types"
)

// minMetadataPollInterval floors the configured poll interval so a
// misconfigured RunnerConfig cannot hammer a serverless endpoint.
const minMetadataPollInterval = 5 * time.Second

// metadataResponse is the expected JSON shape of GET {url}/metadata, per
// spec §4.E: {runtime:"rivetkit", version, actorNames{}, runner?{version}}.
type metadataResponse struct {
	Runtime    string                    `json:"runtime"`
	Version    string                    `json:"version"`
	ActorNames map[string]json.RawMessage `json:"actorNames"`
	Runner     *struct {
		Version uint32 `json:"version"`
	} `json:"runner,omitempty"`
}

// ServerlessPoller issues the periodic GET {url}/metadata call a
// RunnerConfigServerless pool uses to advertise its actor names and runner
// version. This is the one place the spec explicitly calls for a generic
// outbound HTTP request into user-controlled territory, so it rides on the
// plain net/http client rather than any heavier client framework.
type ServerlessPoller struct {
	Client *http.Client
	Store  *Store
	Pinger *Pinger
}

// NewServerlessPoller constructs a poller with a bounded-timeout client.
func NewServerlessPoller(store *Store, pinger *Pinger) *ServerlessPoller {
	return &ServerlessPoller{
		Client: &http.Client{Timeout: 10 * time.Second},
		Store:  store,
		Pinger: pinger,
	}
}

// PollOnce fetches metadata from cfg.URL and, if the runner advertises a
// newer version, returns the workflow IDs of runners that must drain.
func (p *ServerlessPoller) PollOnce(ctx context.Context, cfg types.RunnerConfig) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL+"/metadata", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{cfg.URL, resp.StatusCode}
	}

	var meta metadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, err
	}

	if meta.Runner == nil || meta.Runner.Version <= cfg.RunnerVersion {
		return nil, nil
	}
	if !cfg.DrainOnVersionUpgrade {
		return nil, nil
	}
	return p.Pinger.DrainStaleVersions(ctx, cfg.NamespaceID, cfg.Name, meta.Runner.Version)
}

// Interval returns the effective poll interval for cfg, floored at
// minMetadataPollInterval.
func Interval(cfg types.RunnerConfig) time.Duration {
	if cfg.MetadataPollInterval < minMetadataPollInterval {
		return minMetadataPollInterval
	}
	return cfg.MetadataPollInterval
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return "serverless metadata poll: " + e.url + " returned non-200 status"
}
