package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bootstrap joins the mesh through the configured seed URLs: learn each
// seed's identity, register ourselves with it, pull its peer table, then
// register with every newly-learned peer. Partial failure is fine; a fully
// failed bootstrap with seeds configured is reported so the operator can
// detect isolation.
func (g *Gossip) Bootstrap(ctx context.Context, seedURLs []string) (reached int, err error) {
	if len(seedURLs) == 0 {
		g.log.Info("No bootstrap seeds configured, starting isolated")
		return 0, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanoutParallelism)
	results := make(chan string, len(seedURLs))

	for _, seed := range seedURLs {
		seed := seed
		eg.Go(func() error {
			pid, ferr := g.client.FetchIdentity(egCtx, seed)
			if ferr != nil {
				g.log.Warn("Bootstrap seed unreachable", zap.String("url", seed), zap.Error(ferr))
				return nil
			}
			if pid.URL == "" {
				pid.URL = seed
			}
			g.LearnPeer(egCtx, *pid, time.Now().UnixMilli())
			if rerr := g.client.RegisterPeer(egCtx, pid.URL, g.self); rerr != nil {
				g.log.Warn("Bootstrap registration failed", zap.String("peerId", pid.PeerID), zap.Error(rerr))
				return nil
			}
			results <- pid.URL
			return nil
		})
	}
	_ = eg.Wait()
	close(results)

	// Second pass: pull peer tables from the seeds we reached and register
	// with everyone new.
	seen := make(map[string]bool)
	for url := range results {
		reached++
		peers, perr := g.client.FetchPeers(ctx, url)
		if perr != nil {
			g.log.Warn("Peer table fetch failed", zap.String("url", url), zap.Error(perr))
			continue
		}
		for _, entry := range peers {
			pid := entry.Identity
			if pid.PeerID == g.self.PeerID || pid.URL == "" || seen[pid.PeerID] {
				continue
			}
			seen[pid.PeerID] = true
			g.LearnPeer(ctx, pid, entry.LastSeenMs)
			if rerr := g.client.RegisterPeer(ctx, pid.URL, g.self); rerr != nil {
				g.log.Debug("Registration with learned peer failed",
					zap.String("peerId", pid.PeerID), zap.Error(rerr))
			}
		}
	}

	g.log.Info("Bootstrap finished",
		zap.Int("seedsReached", reached),
		zap.Int("peerTableSize", g.table.Size()))
	return reached, nil
}
