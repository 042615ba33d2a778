package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
)

// DefaultAgentCacheTTL is how long agent lookups are served from memory
const DefaultAgentCacheTTL = time.Minute

// AgentDirectory resolves agents through the platform API, caching hits
type AgentDirectory struct {
	logger *zap.Logger
	client *PlatformClient
	cache  *ttlcache.Cache[int64, *model.Agent]
}

// NewAgentDirectory creates a new agent directory. Call Start to evict expired entries
// in the background and Stop to release it.
func NewAgentDirectory(client *PlatformClient, ttl time.Duration, logger *zap.Logger) *AgentDirectory {
	if ttl <= 0 {
		ttl = DefaultAgentCacheTTL
	}
	return &AgentDirectory{
		logger: logger.Named("agents"),
		client: client,
		cache: ttlcache.New[int64, *model.Agent](
			ttlcache.WithTTL[int64, *model.Agent](ttl),
			ttlcache.WithDisableTouchOnHit[int64, *model.Agent](),
		),
	}
}

// Start runs cache eviction until Stop is called
func (d *AgentDirectory) Start() {
	go d.cache.Start()
}

// Stop stops cache eviction
func (d *AgentDirectory) Stop() {
	d.cache.Stop()
}

// GetAgent implements service.AgentDirectory. Unknown agents are not cached so a
// freshly created agent can be scheduled right away.
func (d *AgentDirectory) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	if item := d.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.client.requestTimeout)
	defer cancel()

	var agent model.Agent
	err := d.client.do(ctx, http.MethodGet, fmt.Sprintf("/agent/%d", id), nil, &agent)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("agent %d: %w", id, scheduler.ErrAgentNotFound)
		}
		return nil, err
	}

	d.cache.Set(id, &agent, ttlcache.DefaultTTL)
	d.logger.Debug("Cached agent", zap.Int64("agent_id", id), zap.String("name", agent.Name))
	return &agent, nil
}

// Invalidate drops a cached agent
func (d *AgentDirectory) Invalidate(id int64) {
	d.cache.Delete(id)
}
