package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"partner_voice/native/internal/api"
	"partner_voice/native/internal/call"
	"partner_voice/native/internal/config"
	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/metrics"
	sigclient "partner_voice/native/internal/signal"
	"partner_voice/native/internal/storage"
	"partner_voice/native/internal/webrtc"

	"github.com/hashicorp/go-multierror"
	pion "github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// app is the composition root of a running client.
type app struct {
	store      *storage.SQLite
	tokens     domain.TokenSource
	ice        *api.ICECache
	peer       *webrtc.Manager
	channel    *sigclient.Channel
	session    *call.Session
	metricsSrv *http.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	var tokenFile *sigclient.FileTokenSource
	a.tokens = sigclient.NewStoreTokenSource(store)
	if cfg.TokenFile != "" {
		tokenFile = &sigclient.FileTokenSource{Path: cfg.ResolvePath(cfg.TokenFile)}
		a.tokens = tokenFile
	}

	var collector metrics.Collector = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheusCollector(prometheus.NewRegistry())
		collector = prom
		if err := a.serveMetrics(cfg.MetricsAddr, prom.Handler()); err != nil {
			a.Close()
			return nil, err
		}
	}

	var fetcher domain.ICEServerFetcher
	if cfg.ICEURL != "" {
		fetcher = api.NewClient(cfg.ICEURL)
	}
	a.ice = api.NewICECache(cfg.STUNServers, fetcher, a.tokens)

	factory, err := webrtc.NewPionFactory()
	if err != nil {
		a.Close()
		return nil, err
	}

	var sink webrtc.AudioSink = webrtc.DrainSink{}
	if cfg.RecordDir != "" {
		ogg, err := webrtc.NewOggSink(cfg.ResolvePath(cfg.RecordDir))
		if err != nil {
			a.Close()
			return nil, err
		}
		sink = ogg
	}

	var session *call.Session
	a.peer = webrtc.NewManager(webrtc.Options{
		Factory:    factory,
		Media:      webrtc.DefaultMediaSource(),
		Sink:       sink,
		ICEServers: a.ice.Servers,
		Metrics:    collector,
		OnStateChange: func(conversationID string, state pion.PeerConnectionState) {
			session.PeerStateChanged(conversationID, state)
		},
	})

	session = call.NewSession(call.Options{
		Registry:    call.NewRegistry(store, cfg.HistoryLimit),
		Buffer:      call.NewSignalBuffer(cfg.SignalBufferLimit),
		Peer:        a.peer,
		Metrics:     collector,
		Identity:    a.identity,
		CallTimeout: cfg.CallTimeout,
	})
	a.session = session

	a.channel = sigclient.NewChannel(cfg.SignalURL, sigclient.WebSocketDialer(), a.tokens, collector)
	a.channel.SetHandler(&connectHandler{Session: session, ice: a.ice, ctx: ctx})
	session.SetSignaler(a.channel)
	a.peer.SetSender(a.channel)
	session.Init()

	// Token file edits reconcile the channel right away instead of on the next poll.
	if tokenFile != nil {
		if err := tokenFile.Watch(ctx, a.channel.Wake); err != nil {
			log.Warnf("token file watch disabled: %v", err)
		}
	}
	return a, nil
}

// identity reads the local participant from the current token.
func (a *app) identity() domain.Participant {
	p, err := sigclient.ParseIdentity(a.tokens.Token())
	if err != nil {
		log.Debugf("identity: %v", err)
	}
	return p
}

func (a *app) serveMetrics(addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server: %v", err)
		}
	}()
	log.Infof("metrics on http://%s/metrics", ln.Addr())
	return nil
}

// Close ends any call, drops the signal connection and releases storage.
func (a *app) Close() error {
	var result error

	if a.session != nil {
		a.session.Dispose()
	}
	if a.channel != nil {
		a.channel.Disconnect()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage: %w", err))
	}
	return result
}

// connectHandler refreshes the ICE credentials on every (re)connection
// before handing the event to the session.
type connectHandler struct {
	*call.Session
	ice *api.ICECache
	ctx context.Context
}

func (h *connectHandler) OnConnectionChange(connected bool) {
	if connected {
		go func() {
			ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			defer cancel()
			h.ice.Refresh(ctx)
		}()
	}
	h.Session.OnConnectionChange(connected)
}
