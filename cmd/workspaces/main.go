// Command workspaces manages ephemeral ZFS-backed workspaces: users create,
// extend, expire and rename them; a privileged maintenance pass ages them out
// and deletes them after their retention period.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"workspaces/config"
	"workspaces/internal/db"
	"workspaces/internal/lifecycle"
	"workspaces/internal/log"
	"workspaces/internal/notify"
	"workspaces/internal/pool"
	"workspaces/internal/privilege"
	"workspaces/internal/store"
	"workspaces/internal/volume"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Replaced in tests.
var (
	currentIdentity = privilege.Current
	newVolumes      = func() volume.Manager { return volume.NewZFS(volume.ExecRunner{}) }
	clock           = time.Now
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := dispatch(ctx, args, stdout, stderr)
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(stderr, "workspaces: %v\n", err)
		if h := hint(err); h != "" {
			fmt.Fprintf(stderr, "hint: %s\n", h)
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "Run 'workspaces help' for usage.")
		}
		return exitCode(err)
	}
	return exitOK
}

type globalOptions struct {
	configPath string
	logLevel   string
	debugSQL   bool
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts globalOptions
	fs := pflag.NewFlagSet("workspaces", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default $WORKSPACES_CONFIG or "+config.DefaultPath+")")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	fs.BoolVar(&opts.debugSQL, "debug-sql", false, "log every SQL statement")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr, fs)
		return fmt.Errorf("%w: no command given", errUsage)
	}
	name, cmdArgs := rest[0], rest[1:]
	if name == "help" {
		usage(stdout, fs)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if cmd.standalone != nil {
		return cmd.standalone(stdout, cmdArgs)
	}

	a, err := openApp(ctx, opts, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return cmd.run(ctx, a, cmdArgs)
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: workspaces [global flags] <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-17s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

// app holds what a command needs for one invocation. Close releases all of it.
type app struct {
	cfg      *config.Config
	identity privilege.Identity
	store    store.Store
	pools    *pool.Registry
	volumes  volume.Manager
	service  *lifecycle.Service
	events   *notify.Dispatcher
	schedule notify.Schedule
	mailer   *notify.Mailer
	stdout   io.Writer
	stderr   io.Writer
}

func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("WORKSPACES_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath
}

func openApp(ctx context.Context, opts globalOptions, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath(opts.configPath))
	if err != nil {
		return nil, configError{err: err}
	}
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log.SetupWriter(stderr, level)

	identity, err := currentIdentity(cfg.Admins)
	if err != nil {
		return nil, err
	}
	pools, err := pool.NewRegistry(cfg)
	if err != nil {
		return nil, configError{err: err}
	}

	gormDB, err := db.Init(&cfg.Database, opts.debugSQL)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(gormDB)

	a := &app{
		cfg:      cfg,
		identity: identity,
		store:    st,
		pools:    pools,
		volumes:  newVolumes(),
		schedule: notify.NewSchedule(cfg.Notifications.ScheduleDays),
		stdout:   stdout,
		stderr:   stderr,
	}

	var senders []notify.Sender
	if smtp := cfg.Notifications.SMTP; smtp != nil {
		a.mailer, err = notify.NewMailer(*smtp, notify.HomeRecipients{})
		if err != nil {
			_ = st.Close()
			return nil, configError{err: err}
		}
		senders = append(senders, a.mailer)
	}
	if push := cfg.Notifications.Push; push != nil {
		senders = append(senders, notify.NewPushSender(*push, st))
	}
	a.events = notify.NewDispatcher(cfg.Notifications.WorkerPool.Size, senders...)
	a.events.Start(ctx)

	a.service = lifecycle.NewService(st, pools, a.volumes,
		lifecycle.WithClock(clock),
		lifecycle.WithEmitter(a.events),
		lifecycle.WithSchedule(a.schedule),
	)
	return a, nil
}

// Close delivers queued notifications and closes the metadata store.
func (a *app) Close() {
	a.events.Close()
	if err := a.store.Close(); err != nil {
		log.Get().Warn("failed to close metadata store", "error", err)
	}
}

// requireElevated fails unless the process can act on storage.
func (a *app) requireElevated() error {
	if !a.identity.Elevated() {
		return privilege.ErrNotElevated
	}
	return nil
}

// owner returns the -u value, or the invoking user.
func (a *app) owner(flag string) string {
	if flag != "" {
		return flag
	}
	return a.identity.User
}

// location describes where a workspace can be found for humans: its
// mountpoint if the pool has one, else its dataset.
func location(p pool.Pool, owner, name string) string {
	if mp := p.Mountpoint(owner, name); mp != "" {
		return mp
	}
	return p.Location(owner, name).Dataset()
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04 MST")
}

// joinNames formats names for usage lines.
func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
