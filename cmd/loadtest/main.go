package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/example/workspace-sync/internal/client"
	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/types"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8080", "REST base address")
	wsAddr := flag.String("addr", "ws://localhost:8080/ws/workspaces", "sync endpoint")
	workspace := flag.String("workspace", "", "workspace to edit; a new one is created when empty")
	viewer := flag.String("as", "loadtest", "viewer id used by every client")
	clients := flag.Int("clients", 50, "number of concurrent sync clients")
	ops := flag.Int("ops", 20, "operations submitted per client")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between operations of one client")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("component", "loadtest").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	ws := types.WorkspaceID(*workspace)
	if ws == "" {
		created, err := createWorkspace(ctx, *apiAddr, *viewer)
		if err != nil {
			logger.Fatal().Err(err).Msg("create workspace failed")
		}
		ws = created
	}
	logger = logger.With().Str("workspace", string(ws)).Logger()

	u, err := url.Parse(*wsAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid sync address")
	}
	q := u.Query()
	q.Set("as", *viewer)
	u.RawQuery = q.Encode()

	runCtx, stopClients := context.WithCancel(ctx)
	defer stopClients()

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)
	conns := make([]*client.Client, *clients)
	running := new(errgroup.Group)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		c := client.New(client.Config{
			URL:         u.String(),
			WorkspaceID: ws,
			ClientID:    types.ClientID(fmt.Sprintf("load-%d", i)),
			ViewerID:    types.ViewerID(*viewer),
			Logger:      logger.Level(zerolog.WarnLevel),
		})
		conns[i] = c
		running.Go(func() error { return c.Run(runCtx) })

		g.Go(func() error {
			if err := c.WaitFor(gctx, func(c *client.Client) bool { return c.Status() == client.StatusConnected }); err != nil {
				return fmt.Errorf("client %d never connected: %w", i, err)
			}
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for n := 0; n < *ops; n++ {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
				start := time.Now()
				op, err := c.Submit(document.SetViewport{Viewport: document.Viewport{
					CenterX: float64(i),
					CenterY: float64(n),
					Zoom:    1 + float64(n%10)/10,
				}})
				if err != nil {
					return fmt.Errorf("client %d submit: %w", i, err)
				}
				id := op.Header().OpID
				if err := c.WaitFor(gctx, func(c *client.Client) bool { return !pending(c, id) }); err != nil {
					return fmt.Errorf("client %d waiting for ack: %w", i, err)
				}
				mu.Lock()
				latencies = append(latencies, time.Since(start))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("load run aborted")
	}

	expected := int64(*clients * *ops)
	converged := true
	for i, c := range conns {
		waitCtx, done := context.WithTimeout(ctx, 5*time.Second)
		if err := c.WaitFor(waitCtx, func(c *client.Client) bool { return c.Version() >= expected }); err != nil {
			converged = false
			logger.Warn().Int("client", i).Int64("version", c.Version()).Msg("client did not reach the final version")
		}
		done()
	}
	stopClients()
	_ = running.Wait()

	report(latencies, converged, logger)
}

// pending reports whether op id is still waiting for its ack.
func pending(c *client.Client, id types.OpID) bool {
	return slices.ContainsFunc(c.Replica().Pending(), func(op document.Op) bool {
		return op.Header().OpID == id
	})
}

func createWorkspace(ctx context.Context, base, viewer string) (types.WorkspaceID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/workspaces?as="+url.QueryEscape(viewer), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var body struct {
		WorkspaceID types.WorkspaceID `json:"workspaceId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.WorkspaceID, nil
}

func report(samples []time.Duration, converged bool, logger zerolog.Logger) {
	if len(samples) == 0 {
		logger.Warn().Msg("no acks observed")
		return
	}
	slices.Sort(samples)
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(samples)-1))
		return samples[idx]
	}
	logger.Info().
		Int("acks", len(samples)).
		Dur("avg", total/time.Duration(len(samples))).
		Dur("p50", pct(0.50)).
		Dur("p95", pct(0.95)).
		Dur("p99", pct(0.99)).
		Dur("max", samples[len(samples)-1]).
		Bool("converged", converged).
		Msg("ack latency")
}
