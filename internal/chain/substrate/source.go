package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/rpc"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
	msPerSecond        = 1000
)

// Source fetches substrate blocks from a substrate-api-sidecar instance.
type Source struct {
	endpoint string
	network  string
	best     bool
	http     *http.Client
	retry    *config.RetryConfig
	log      *logger.Logger
}

// NewSource creates a substrate source. finality is "finalized" or "best".
func NewSource(endpoint, network, finality string, retry *config.RetryConfig, log *logger.Logger) *Source {
	return &Source{
		endpoint: strings.TrimRight(endpoint, "/"),
		network:  network,
		best:     finality == "best",
		http:     &http.Client{Timeout: defaultHTTPTimeout},
		retry:    retry,
		log:      log.WithComponent(common.ComponentWatcher),
	}
}

func (s *Source) ChainType() chain.ChainType {
	return chain.Substrate
}

func (s *Source) Network() string {
	return s.network
}

// Head returns the number of the finalized, or best, block.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	path := "/blocks/head/header"
	if s.best {
		path += "?finalized=false"
	}

	var h sidecarHeader
	if err := s.get(ctx, "blocks_head", path, &h); err != nil {
		return 0, fmt.Errorf("failed to get head: %w", err)
	}

	n, err := common.ParseUint64OrHex(h.Number)
	if err != nil {
		return 0, fmt.Errorf("invalid head number %q: %w", h.Number, err)
	}

	return n, nil
}

// Fetch returns the envelope of block n with its extrinsics and events.
func (s *Source) Fetch(ctx context.Context, n uint64) (*chain.RawEnvelope, error) {
	var b sidecarBlock
	if err := s.get(ctx, "blocks", fmt.Sprintf("/blocks/%d", n), &b); err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", n, err)
	}

	number, err := common.ParseUint64OrHex(b.Number)
	if err != nil {
		return nil, fmt.Errorf("invalid block number %q: %w", b.Number, err)
	}
	if number != n {
		return nil, fmt.Errorf("sidecar returned block %d for %d", number, n)
	}

	p := BlockPayload{
		Number:       n,
		Hash:         b.Hash,
		ParentHash:   b.ParentHash,
		Author:       b.AuthorID,
		Timestamp:    timestamp(b.Extrinsics),
		OnInitialize: nonNil(b.OnInitialize.Events),
		Extrinsics:   b.Extrinsics,
		OnFinalize:   nonNil(b.OnFinalize.Events),
	}
	if p.Extrinsics == nil {
		p.Extrinsics = []json.RawMessage{}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block %d: %w", n, err)
	}

	env := &chain.RawEnvelope{
		ChainType:   chain.Substrate,
		DataKind:    chain.KindBlock,
		Network:     s.network,
		BlockNumber: n,
		BlockHash:   b.Hash,
		ParentHash:  b.ParentHash,
		Version:     chain.EnvelopeVersion,
		Payload:     payload,
	}
	if n > 0 {
		env.ParentNumber = n - 1
	}

	return env, nil
}

// Hash returns the canonical hash of block n.
func (s *Source) Hash(ctx context.Context, n uint64) (string, error) {
	var h sidecarHeader
	if err := s.get(ctx, "blocks_header", fmt.Sprintf("/blocks/%d/header", n), &h); err != nil {
		return "", fmt.Errorf("failed to get header %d: %w", n, err)
	}

	return h.Hash, nil
}

// Close releases idle connections.
func (s *Source) Close() {
	s.http.CloseIdleConnections()
}

func (s *Source) get(ctx context.Context, method, path string, out any) error {
	body, err := rpc.Call(ctx, s.retry, "sidecar_"+method, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &rpc.StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(body, out)
}

// timestamp returns the block time in seconds from the timestamp.set inherent, or 0.
func timestamp(extrinsics []json.RawMessage) uint64 {
	for _, raw := range extrinsics {
		var x struct {
			Method Method `json:"method"`
			Args   struct {
				Now string `json:"now"`
			} `json:"args"`
		}
		if err := json.Unmarshal(raw, &x); err != nil || x.Method.Key() != "timestamp.set" {
			continue
		}

		ms, err := common.ParseUint64OrHex(x.Args.Now)
		if err != nil {
			return 0
		}
		return ms / msPerSecond
	}

	return 0
}

func nonNil(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	return events
}
