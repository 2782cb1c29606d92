package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"workspaces/internal/lifecycle"
	"workspaces/internal/model"
	"workspaces/internal/parse"
	"workspaces/internal/pool"
	"workspaces/internal/privilege"
	"workspaces/internal/store"
	"workspaces/internal/volume"
)

type command struct {
	summary string
	// run executes the command against an opened app.
	run func(ctx context.Context, a *app, args []string) error
	// standalone commands run without configuration.
	standalone func(stdout io.Writer, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"create":           {summary: "create a workspace and print its path", run: cmdCreate},
		"extend":           {summary: "push back the expiry of a workspace", run: cmdExtend},
		"expire":           {summary: "retire a workspace now; it becomes read-only", run: cmdExpire},
		"rename":           {summary: "rename an active workspace", run: cmdRename},
		"list":             {summary: "list workspaces", run: cmdList},
		"pools":            {summary: "list pools with their policy and usage", run: cmdPools},
		"maintain":         {summary: "run one maintenance pass (root)", run: cmdMaintain},
		"serve":            {summary: "serve the status API and run scheduled maintenance (root)", run: cmdServe},
		"push-subscribe":   {summary: "register a browser push subscription", run: cmdPushSubscribe},
		"push-unsubscribe": {summary: "remove a browser push subscription", run: cmdPushUnsubscribe},
		"notify-test":      {summary: "send a test email (admin)", run: cmdNotifyTest},
		"version":          {summary: "print the version", standalone: cmdVersion},
	}
}

// newFlags returns a flag set for a command. Parse errors are usage errors.
func newFlags(name, argsUsage string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: workspaces %s [flags] %s\n\nFlags:\n", name, argsUsage)
		fmt.Fprint(stderr, fs.FlagUsages())
	}
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string, nargs int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if nargs >= 0 && fs.NArg() != nargs {
		return nil, fmt.Errorf("%w: %s takes %d argument(s), got %d", errUsage, fs.Name(), nargs, fs.NArg())
	}
	return fs.Args(), nil
}

// days converts a day count flag into a duration.
func days(n int) time.Duration {
	return time.Duration(n) * pool.Day
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := newFlags("create", "<name>", a.stderr)
	poolName := fs.StringP("pool", "f", "", "pool to create the workspace in")
	user := fs.StringP("user", "u", "", "owner of the workspace (default: you)")
	duration := fs.IntP("duration", "d", 0, "lifetime in days (default: the pool default)")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}
	if err := a.requireElevated(); err != nil {
		return err
	}

	ws, err := a.service.Create(ctx, a.identity, lifecycle.CreateRequest{
		Pool:     *poolName,
		Name:     rest[0],
		Owner:    a.owner(*user),
		Duration: days(*duration),
	})
	if err != nil {
		return err
	}
	p, err := a.pools.Resolve(ws.Pool)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, location(p, ws.Owner, ws.Name))
	fmt.Fprintf(a.stderr, "workspace %s created in pool %s, expires %s\n", ws.Name, ws.Pool, formatTime(ws.ExpiresAt))
	return nil
}

func cmdExtend(ctx context.Context, a *app, args []string) error {
	fs := newFlags("extend", "<name>", a.stderr)
	poolName := fs.StringP("pool", "f", "", "pool of the workspace")
	duration := fs.IntP("duration", "d", 0, "days to add (default: the pool default)")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}
	if err := a.requireElevated(); err != nil {
		return err
	}

	ws, err := a.service.Extend(ctx, a.identity, model.Key{Pool: *poolName, Name: rest[0]}, days(*duration))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s now expires %s\n", ws.Key(), formatTime(ws.ExpiresAt))
	return nil
}

func cmdExpire(ctx context.Context, a *app, args []string) error {
	fs := newFlags("expire", "<name>", a.stderr)
	poolName := fs.StringP("pool", "f", "", "pool of the workspace")
	rest, err := parseFlags(fs, args, 1)
	if err != nil {
		return err
	}
	if err := a.requireElevated(); err != nil {
		return err
	}

	ws, err := a.service.Expire(ctx, a.identity, model.Key{Pool: *poolName, Name: rest[0]})
	if err != nil {
		return err
	}
	p, err := a.pools.Resolve(ws.Pool)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s expired; it is read-only and will be deleted after %s\n", ws.Key(), formatTime(ws.ExpiredAt.Add(p.Retention)))
	return nil
}

func cmdRename(ctx context.Context, a *app, args []string) error {
	fs := newFlags("rename", "<name> <new-name>", a.stderr)
	poolName := fs.StringP("pool", "f", "", "pool of the workspace")
	rest, err := parseFlags(fs, args, 2)
	if err != nil {
		return err
	}
	if err := a.requireElevated(); err != nil {
		return err
	}

	ws, err := a.service.Rename(ctx, a.identity, model.Key{Pool: *poolName, Name: rest[0]}, rest[1])
	if err != nil {
		return err
	}
	p, err := a.pools.Resolve(ws.Pool)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, location(p, ws.Owner, ws.Name))
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := newFlags("list", "", a.stderr)
	poolName := fs.StringP("pool", "f", "", "only this pool")
	user := fs.StringP("user", "u", "", "only this owner (default: you)")
	all := fs.BoolP("all", "a", false, "workspaces of every owner")
	state := fs.String("state", "", "only workspaces in this state: active or expired")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	filter := store.Filter{}
	if !*all {
		filter.Owner = a.owner(*user)
	}
	if *poolName != "" {
		p, err := a.pools.Resolve(*poolName)
		if err != nil {
			return err
		}
		filter.Pool = p.Name
	}
	switch s := model.State(*state); s {
	case "":
	case model.StateActive, model.StateExpired:
		filter.States = []model.State{s}
	default:
		return fmt.Errorf("%w: --state must be active or expired", errUsage)
	}

	records, err := a.store.Scan(ctx, filter)
	if err != nil {
		return err
	}

	now := a.service.Now()
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tNAME\tOWNER\tSTATE\tEXPIRES\tREMAINING\tLOCATION")
	for _, ws := range records {
		p, err := a.pools.Resolve(ws.Pool)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t-\t-\n", ws.Pool, ws.Name, ws.Owner, ws.State, formatTime(ws.ExpiresAt))
			continue
		}
		remaining := fmt.Sprintf("%dd", int(ws.ExpiresAt.Sub(now)/pool.Day))
		if ws.State == model.StateExpired && ws.ExpiredAt != nil {
			remaining = "deleted after " + formatTime(ws.ExpiredAt.Add(p.Retention))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ws.Pool, ws.Name, ws.Owner, ws.State, formatTime(ws.ExpiresAt), remaining, location(p, ws.Owner, ws.Name))
	}
	return w.Flush()
}

func cmdPools(ctx context.Context, a *app, args []string) error {
	fs := newFlags("pools", "", a.stderr)
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}

	fallback, _ := a.pools.Default()
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROOT\tDEFAULT\tMAX\tRETENTION\tQUOTA\tUSED\tFREE\tFLAGS")
	for _, p := range a.pools.All() {
		quota := "-"
		if p.Quota > 0 {
			quota = parse.FormatSize(p.Quota)
		}
		used, free := "-", "-"
		if u, err := a.volumes.Usage(ctx, volume.Location{Root: p.Root}); err == nil {
			used, free = parse.FormatSize(u.Used), parse.FormatSize(u.Free)
		}
		var flags []string
		if p.Name == fallback {
			flags = append(flags, "default")
		}
		if p.Disabled {
			flags = append(flags, "disabled")
		}
		if p.Snapshot {
			flags = append(flags, "snapshot")
		}
		fmt.Fprintf(w, "%s\t%s\t%dd\t%dd\t%dd\t%s\t%s\t%s\t%s\n",
			p.Name, p.Root,
			int(p.DefaultDuration/pool.Day), int(p.MaxDuration/pool.Day), int(p.Retention/pool.Day),
			quota, used, free, joinNames(flags))
	}
	return w.Flush()
}

func cmdPushSubscribe(ctx context.Context, a *app, args []string) error {
	fs := newFlags("push-subscribe", "", a.stderr)
	user := fs.StringP("user", "u", "", "owner the subscription belongs to (default: you)")
	endpoint := fs.String("endpoint", "", "push service endpoint URL")
	p256dh := fs.String("p256dh", "", "client public key")
	auth := fs.String("auth", "", "client auth secret")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if *endpoint == "" || *p256dh == "" || *auth == "" {
		return fmt.Errorf("%w: --endpoint, --p256dh and --auth are required", errUsage)
	}
	owner := a.owner(*user)
	if !privilege.Authorize(a.identity, owner, privilege.ScopeFor(a.identity, owner)) {
		return fmt.Errorf("%w: cannot subscribe on behalf of %s", lifecycle.ErrPermissionDenied, owner)
	}

	return a.store.PutSubscription(ctx, model.PushSubscription{
		Endpoint: *endpoint,
		Owner:    owner,
		P256DH:   *p256dh,
		Auth:     *auth,
	})
}

func cmdPushUnsubscribe(ctx context.Context, a *app, args []string) error {
	fs := newFlags("push-unsubscribe", "", a.stderr)
	user := fs.StringP("user", "u", "", "owner the subscription belongs to (default: you)")
	endpoint := fs.String("endpoint", "", "push service endpoint URL")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if *endpoint == "" {
		return fmt.Errorf("%w: --endpoint is required", errUsage)
	}
	owner := a.owner(*user)
	if !privilege.Authorize(a.identity, owner, privilege.ScopeFor(a.identity, owner)) {
		return fmt.Errorf("%w: cannot unsubscribe on behalf of %s", lifecycle.ErrPermissionDenied, owner)
	}

	return a.store.DeleteSubscription(ctx, owner, *endpoint)
}

func cmdVersion(stdout io.Writer, _ []string) error {
	fmt.Fprintf(stdout, "workspaces %s\n", version)
	return nil
}
