package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/mjl-/outq/config"
	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/dnscache"
	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/queue"
	"github.com/mjl-/outq/smtpdeliver"
	"github.com/mjl-/outq/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start outq, delivering queued messages.

The queue database and message files are stored in the DataDir of the config
file. The admin API is started if configured.

On SIGHUP, the config file is read again. Changes to routes, routing rules,
facts and log levels are applied to new delivery attempts. If the new config
file is not valid, the errors are logged and the running configuration is kept.

On SIGINT or SIGTERM, the delivery loop is stopped and delivery attempts in
progress are aborted. Their recipients are retried later.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	mlog.SetConfig(conf.Log)
	log := c.log
	if err := serve(log, conf); err != nil {
		log.Fatalx("serve", err)
	}
}

func serve(log mlog.Log, conf *config.Config) error {
	log.Print("starting outq", slog.String("config", conf.Path), slog.String("hostname", conf.Static.HostnameDomain.Name()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(conf.Static.DataDir, "queue")
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("creating queue directory: %w", err)
	}
	st, err := queue.OpenDB(ctx, log, dir)
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}
	defer func() {
		err := st.Close()
		log.Check(err, "closing queue database")
	}()

	resolver := dns.StrictResolver{Pkg: "dnscache"}
	cache := dnscache.New(resolver, dnscache.Config(conf.Static.DNSCache), nil)

	notifier := &queue.DSNNotifier{
		Hostname:   conf.Static.HostnameDomain,
		Postmaster: conf.Static.PostmasterPath,
	}
	q, err := queue.New(queue.Config{
		Store:    st,
		Resolver: cache,
		Adapter:  smtpdeliver.New(conf.Static.HostnameDomain, nil),
		Notifier: notifier,
		Policy:   conf.Policy,
		Facts:    conf.Static.Facts,
		Backoff: queue.Backoff{
			Initial: conf.Static.Queue.BackoffInitial,
			Max:     conf.Static.Queue.BackoffMax,
		},
		Expiry:    conf.Static.Queue.Expiry,
		BatchSize: conf.Static.Queue.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("new queue: %w", err)
	}
	notifier.Queue = q

	var adminServer *http.Server
	if a := conf.Static.Admin; a != nil {
		h, err := webadmin.NewHandler(q, a.PasswordFile, nil)
		if err != nil {
			return fmt.Errorf("admin handler: %w", err)
		}
		ln, err := net.Listen("tcp", a.Listen)
		if err != nil {
			return fmt.Errorf("listen for admin api: %w", err)
		}
		adminServer = &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          slog.NewLogLogger(mlog.New("webadmin", nil).Logger.Handler(), slog.LevelInfo),
		}
		go h.ManageAuthCache(ctx)
		go func() {
			err := adminServer.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorx("admin api listener", err)
			}
		}()
		log.Print("admin api listening", slog.String("address", a.Listen))
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigc {
		if sig == syscall.SIGHUP {
			reload(log, conf.Path, q)
			continue
		}
		log.Print("shutting down, aborting delivery attempts", slog.Any("signal", sig))
		break
	}
	signal.Stop(sigc)

	cancel()
	if adminServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := adminServer.Shutdown(sctx)
		scancel()
		log.Check(err, "shutting down admin api")
	}
	q.Wait()
	log.Print("stopped")
	return nil
}

// reload applies the routing and log levels of the config file. If it has
// errors, they are logged and the current configuration stays active.
func reload(log mlog.Log, path string, q *queue.Queue) {
	defer func() {
		x := recover()
		if x != nil {
			log.Error("reload panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Serve)
		}
	}()

	conf, errs := config.Load(path)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Errorx("reloading config, keeping current configuration", err)
		}
		return
	}
	q.SetRouting(conf.Policy, conf.Static.Facts)
	mlog.SetConfig(conf.Log)
	log.Print("config reloaded", slog.Int("routes", len(conf.Policy.Routes())))
}
