package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"workspaces/internal/api"
	"workspaces/internal/lifecycle"
	"workspaces/internal/log"
	"workspaces/internal/maintenance"
	"workspaces/internal/model"
	"workspaces/internal/notify"
	"workspaces/internal/privilege"
)

func (a *app) engine(metrics *maintenance.Metrics) *maintenance.Engine {
	return maintenance.NewEngine(a.service, a.store, a.volumes, a.identity,
		maintenance.WithLockPath(a.cfg.LockPath),
		maintenance.WithMetrics(metrics),
		maintenance.WithEmitter(a.events),
		maintenance.WithSchedule(a.schedule),
	)
}

func cmdMaintain(ctx context.Context, a *app, args []string) error {
	fs := newFlags("maintain", "", a.stderr)
	asJSON := fs.Bool("json", false, "print the summary as JSON")
	textfile := fs.String("metrics-textfile", "", "write pass metrics to this file for the node exporter textfile collector")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if err := a.requireElevated(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	sum, err := a.engine(maintenance.NewMetrics(registry)).RunOnce(ctx)
	if *textfile != "" {
		if werr := prometheus.WriteToTextfile(*textfile, registry); werr != nil {
			log.Get().Warn("failed to write metrics textfile", "path", *textfile, "error", werr)
		}
	}
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "expired\t%d\n", sum.Expired)
	fmt.Fprintf(w, "deleted\t%d\n", sum.Deleted)
	fmt.Fprintf(w, "reminded\t%d\n", sum.Reminded)
	fmt.Fprintf(w, "failed\t%d\n", sum.Failed)
	fmt.Fprintf(w, "orphans\t%d\n", sum.Orphans)
	fmt.Fprintf(w, "missing\t%d\n", sum.Missing)
	fmt.Fprintf(w, "snapshots\t%d\n", sum.Snapshots)
	fmt.Fprintf(w, "duration\t%s\n", sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	return w.Flush()
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := newFlags("serve", "", a.stderr)
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if !privilege.Authorize(a.identity, "", privilege.ScopeAdmin) {
		return fmt.Errorf("%w: serve runs maintenance and requires root", lifecycle.ErrPermissionDenied)
	}
	logger := log.WithComponent("serve")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	scheduler := maintenance.NewScheduler(a.engine(maintenance.NewMetrics(registry)), a.cfg.Server.MaintenanceSchedule)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(a.store, a.pools, a.volumes,
		time.Duration(a.cfg.Server.CacheTTLSeconds)*time.Second,
		api.WithPush(a.cfg.Notifications.Push),
		api.WithPassStatus(scheduler),
	)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewRouter(handler, a.cfg.Server, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "port", a.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	logger.Info("server gracefully stopped")
	return nil
}

func cmdNotifyTest(ctx context.Context, a *app, args []string) error {
	fs := newFlags("notify-test", "", a.stderr)
	to := fs.String("to", "", "recipient address (default: the address in your ~/.config/workspaces.yaml)")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if !privilege.Authorize(a.identity, "", privilege.ScopeAdmin) {
		return fmt.Errorf("%w: notify-test requires an administrator", lifecycle.ErrPermissionDenied)
	}
	if a.mailer == nil {
		return configError{err: errors.New("notifications.smtp is not configured")}
	}

	recipient := *to
	if recipient == "" {
		var err error
		recipient, err = notify.HomeRecipients{}.Recipient(a.identity.User)
		if err != nil {
			return err
		}
	}
	e := notify.NewEvent(notify.KindTest, model.Workspace{Owner: a.identity.User}, a.service.Now())
	if err := a.mailer.SendTo(ctx, recipient, e); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "test email sent to %s\n", recipient)
	return nil
}
