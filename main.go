// Command sockethook relays webhooks to websockets.
//
//     sockethook -a 0.0.0.0 -p 1234 [-r redis://localhost:6379]
//
// Open a websocket to /socket/<endpoint> and every request POSTed to
// /hook/<endpoint> is pushed to it as a JSON envelope:
//
//     {"headers":{"content-type":"text/plain"},"endpoint":"/<endpoint>","data":"Hello"}
//
// Nothing is stored. An event posted to an endpoint without open sockets is
// dropped. With -r, events are mirrored through Redis to every instance
// sharing that server.
//
// Non-websocket GET requests to /socket/<endpoint> are served an HTML page
// that connects to the endpoint and prints what it receives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	initLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := newCoordinator(ctx, cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("unable to set up coordinator")
	}
	defer coord.Close()

	reg := newRegistry(coord)
	go reg.run()
	go reg.listen(ctx)

	beats := newHeartbeat(clockwork.NewRealClock(), heartbeatInterval)
	defer beats.stop()

	metricsLog := logrus.StandardLogger().WriterLevel(logrus.InfoLevel)
	defer metricsLog.Close()
	startMetrics(metricsLog, cfg.MetricsTick)
	defer finalMetrics()

	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr:    cfg.listenAddr(),
		Handler: newHandler(reg, beats, cfg),
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.StopTimeout,
		KillTimeout: cfg.KillTimeout,
	}
	hs, err := hd.ListenAndServe(server)
	if err != nil {
		logrus.WithError(err).WithField("addr", server.Addr).Fatal("unable to listen")
	}
	logrus.WithField("addr", server.Addr).Info("sockethook is ready and listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logrus.WithField("signal", s.String()).Info("received signal, shutting down")
		sctx, scancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := reg.Shutdown(sctx); err != nil {
			logrus.WithError(err).Error("error shutting down registry")
		}
		scancel()
	case <-reg.Done():
	}

	if err := hs.Stop(); err != nil {
		logrus.WithError(err).Error("error stopping http server")
	}
}

func newHandler(reg *registry, beats *heartbeat, cfg *config) http.Handler {
	// Endpoints match exactly, so paths are never cleaned or redirected
	handler := mux.NewRouter().SkipClean(true)
	handler.Use(corsMiddleware)

	// Route websocket requests
	handler.Handle("/socket{endpoint:/.*}", newWsHandler(reg, beats, cfg.Origin)).
		Methods(http.MethodGet).
		MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
			return websocket.IsWebSocketUpgrade(r)
		})

	// Route other GET requests to the browser client
	handler.Handle("/socket{endpoint:/.*}", socketPageHandler{}).
		Methods(http.MethodGet)

	// Route hooks, OPTIONS included so CORS preflights reach the middleware
	limit := rateLimit(cfg.HookRate, cfg.HookBurst)
	handler.Handle("/hook{endpoint:/.*}", limit(hookHandler{reg: reg})).
		Methods(http.MethodPost, http.MethodOptions)

	handler.Handle("/status", statusHandler{reg: reg}).Methods(http.MethodGet)

	return handler
}
