package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"tailscale.com/tsnet"

	"lds.li/proxyfront/bare"
	"lds.li/proxyfront/config"
	"lds.li/proxyfront/dispatch"
	"lds.li/proxyfront/listener"
	"lds.li/proxyfront/metrics"
	"lds.li/proxyfront/site"
	"lds.li/proxyfront/tunnel"
	"lds.li/proxyfront/upstream"
	"lds.li/proxyfront/wisp"
)

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	st, err := site.Load(cfg.Preset, cfg.Dir, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dial, err := egressDialer(cfg)
	if err != nil {
		return err
	}

	wispSrv := wisp.NewServer(&wisp.Config{
		Dial: dial,
		// UDP cannot be carried over a CONNECT proxy.
		DisableUDP: cfg.UpstreamProxy != "",
		Log:        log.WithField("engine", "wisp"),
		Metrics:    m,
	})
	bareSrv, err := bare.NewServer(cfg.BarePrefix, &bare.Config{
		Dial:    dial,
		Log:     log.WithField("engine", "bare"),
		Metrics: m,
	})
	if err != nil {
		return err
	}

	core, err := dispatch.New(&dispatch.Config{
		Prefix:       cfg.WispPrefix,
		PrefixEngine: wispSrv,
		RoutedEngine: bareSrv,
		Assets:       st.Resolver(),
		NotFound:     st.NotFound,
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	srv := listener.NewServer(listener.NewHandler(core, log), &listener.ServerConfig{Log: log})
	srv.RegisterOnShutdown(func() {
		_ = wispSrv.Close()
		_ = bareSrv.Close()
	})

	ln, cleanup, err := listen(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.MetricsListen != "" {
		msrv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", cfg.MetricsListen).Info("serving metrics")
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics listener failed")
			}
		}()
		defer msrv.Close()
	}

	log.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"preset": st.Preset,
		"wisp":   cfg.WispPrefix,
		"bare":   bareSrv.Directory(),
	}).Info("server listening")

	if err := listener.Serve(ctx, srv, ln, listener.DefaultShutdownTimeout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// egressDialer returns the dialer the engines use for upstream connections.
// nil leaves each engine on tunnel.PublicDialer.
func egressDialer(cfg *config.Config) (tunnel.DialFunc, error) {
	if cfg.UpstreamProxy != "" {
		d, err := upstream.New(&upstream.Config{
			ProxyURL:   cfg.UpstreamProxy,
			HTTP2:      cfg.UpstreamH2,
			PublicOnly: !cfg.AllowPrivateEgress,
		})
		if err != nil {
			return nil, err
		}
		return d.DialContext, nil
	}
	if cfg.AllowPrivateEgress {
		d := &net.Dialer{Timeout: wisp.DefaultDialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext, nil
	}
	return nil, nil
}

// listen opens the public listener: a tailnet node when a tailscale
// hostname is configured, a local TCP port otherwise.
func listen(ctx context.Context, cfg *config.Config, log *logrus.Logger) (net.Listener, func(), error) {
	if cfg.TailscaleHostname == "" {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
		if err != nil {
			return nil, nil, err
		}
		return ln, func() { _ = ln.Close() }, nil
	}

	tslog := log.WithField("component", "tsnet")
	ts := &tsnet.Server{
		Hostname: cfg.TailscaleHostname,
		Dir:      cfg.TailscaleStateDir,
		AuthKey:  cfg.TailscaleAuthKey,
		Logf:     tslog.Debugf,
		UserLogf: tslog.Infof,
	}
	status, err := ts.Up(ctx)
	if err != nil {
		_ = ts.Close()
		return nil, nil, fmt.Errorf("tailscale: %w", err)
	}
	log.WithFields(logrus.Fields{
		"node":  status.Self.DNSName,
		"addrs": status.Self.TailscaleIPs,
	}).Info("tailscale up")

	var ln net.Listener
	if cfg.TailscaleFunnel {
		// tsnet terminates TLS for Funnel, so the server sees plain HTTP.
		ln, err = ts.ListenFunnel("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	}
	if err != nil {
		_ = ts.Close()
		return nil, nil, fmt.Errorf("tailscale listen: %w", err)
	}
	return ln, func() {
		_ = ln.Close()
		_ = ts.Close()
	}, nil
}
