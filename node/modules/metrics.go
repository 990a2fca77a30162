package modules

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/metrics"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/node/modules/dtypes"
	"github.com/inveniosoftware/bibsched/node/modules/helpers"
)

// InitMetrics registers the views, tags the info metric and serves
// /metrics when a listen address is configured.
func InitMetrics(lc fx.Lifecycle, mctx helpers.MetricsCtx, cfg *config.BibSched, host dtypes.Hostname) error {
	if err := view.Register(metrics.DefaultViews...); err != nil {
		return xerrors.Errorf("registering metric views: %w", err)
	}

	ctx, _ := tag.New(mctx,
		tag.Insert(metrics.Version, build.BuildVersion),
		tag.Insert(metrics.Commit, build.CurrentCommit),
		tag.Insert(metrics.Hostname, string(host)),
	)
	stats.Record(ctx, metrics.BibSchedInfo.M(1))

	if cfg.Metrics.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Exporter())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.ListenAddress)
			if err != nil {
				return xerrors.Errorf("listening for metrics: %w", err)
			}
			log.Infow("serving metrics", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("metrics server", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return nil
}
