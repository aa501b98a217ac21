package api

import (
	"context"
	"sync"

	"partner_voice/native/internal/domain"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("api")

// ICECache serves the ICE servers for new peer connections: the configured
// STUN servers plus whatever TURN credentials the last refresh obtained.
type ICECache struct {
	fetcher domain.ICEServerFetcher
	tokens  domain.TokenSource
	stun    []domain.ICEServer

	mu      sync.RWMutex
	fetched []domain.ICEServer
}

// NewICECache creates a cache. fetcher may be nil, in which case only STUN is served.
func NewICECache(stunURLs []string, fetcher domain.ICEServerFetcher, tokens domain.TokenSource) *ICECache {
	var stun []domain.ICEServer
	if len(stunURLs) > 0 {
		stun = []domain.ICEServer{{URLs: append([]string(nil), stunURLs...)}}
	}
	return &ICECache{fetcher: fetcher, tokens: tokens, stun: stun}
}

// Refresh fetches fresh credentials. On failure the STUN servers remain and
// previously fetched servers are dropped.
func (c *ICECache) Refresh(ctx context.Context) {
	if c.fetcher == nil {
		return
	}

	servers, err := c.fetcher.FetchICEServers(ctx, c.tokens.Token())
	if err != nil {
		log.Warnf("fetch ICE servers, using STUN only: %v", err)
		servers = nil
	} else {
		log.Infof("fetched %d ICE server(s)", len(servers))
	}

	c.mu.Lock()
	c.fetched = servers
	c.mu.Unlock()
}

// Servers returns the STUN servers followed by the fetched ones.
func (c *ICECache) Servers() []domain.ICEServer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.ICEServer, 0, len(c.stun)+len(c.fetched))
	out = append(out, c.stun...)
	return append(out, c.fetched...)
}
