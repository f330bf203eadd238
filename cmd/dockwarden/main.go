package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/bdobrica/dockwarden/common/environment"
	"github.com/bdobrica/dockwarden/common/trace"
	"github.com/bdobrica/dockwarden/common/version"
	"github.com/bdobrica/dockwarden/internal/warden/audit"
	"github.com/bdobrica/dockwarden/internal/warden/dashboard"
	"github.com/bdobrica/dockwarden/internal/warden/engine"
	"github.com/bdobrica/dockwarden/internal/warden/hook"
	"github.com/bdobrica/dockwarden/internal/warden/matrix"
	"github.com/bdobrica/dockwarden/internal/warden/observability"
	"github.com/bdobrica/dockwarden/internal/warden/policy"
)

const usage = `dockwarden - policy-guarded Docker engine control

Usage:
  dockwarden <command> [flags]

Commands:
  list            List containers
  run             Create and start a container from an image
  stop            Stop a running container
  start           Start a stopped container
  remove          Remove a container
  logs            Fetch container logs
  build           Build an image from a build context
  rmi             Remove an image
  network-create  Create a network
  info            Show engine totals and host facts
  health          Run the engine health probes
  watch           Live terminal dashboard
  validate        Evaluate a JSON operation request from stdin
  audit           Show recent audit log entries
  version         Print version information

Environment:
  WARDEN_DOCKER_HOST    Engine endpoint (default 127.0.0.1:2375)
  WARDEN_POLICY_FILE    YAML ruleset overriding the built-in defaults
  WARDEN_AUDIT_DB       SQLite audit log path (empty disables auditing)
  WARDEN_MATRIX_*       Homeserver, user ID, access token and audit room
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	observability.Setup(
		environment.StringOr("WARDEN_LOG_LEVEL", "info"),
		environment.StringOr("WARDEN_LOG_FORMAT", "json"),
	)

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	command, rest := args[0], args[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	switch command {
	case "version":
		fmt.Println("dockwarden " + version.Info())
		return 0
	case "validate":
		guard, err := newGuard()
		if err != nil {
			return fail(err)
		}
		return hook.Run(guard, os.Stdin, os.Stdout)
	}

	app, err := newApp()
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	if err := app.dispatch(ctx, command, rest); err != nil {
		if errors.Is(err, errUnknownCommand) {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		return fail(err)
	}
	return 0
}

// errUnknownCommand marks an unrecognized command name; it maps to the usage
// exit code rather than the runtime failure code.
var errUnknownCommand = errors.New("unknown command")

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "dockwarden: %v\n", err)
	return 1
}

// app bundles the wired subsystems behind the CLI commands.
type app struct {
	exec  *engine.Executor
	store *audit.Store
}

func newGuard() (*policy.Engine, error) {
	rules := policy.DefaultRuleset()
	if path, ok := environment.String("WARDEN_POLICY_FILE"); ok && path != "" {
		loaded, err := policy.LoadRuleset(path)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		rules = loaded
	}
	return policy.New(rules), nil
}

func newApp() (*app, error) {
	guard, err := newGuard()
	if err != nil {
		return nil, err
	}

	var store *audit.Store
	if dbPath, ok := environment.String("WARDEN_AUDIT_DB"); ok && dbPath != "" {
		store, err = audit.New(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		if notifier, err := newNotifier(); err != nil {
			store.Close()
			return nil, err
		} else if notifier != nil {
			store.SetNotifier(notifier)
		}
	}

	mgr := engine.NewManager(environment.StringOr("WARDEN_DOCKER_HOST", "127.0.0.1:2375"))

	var recorder engine.Recorder
	if store != nil {
		recorder = store
	}
	return &app{exec: engine.NewExecutor(mgr, guard, recorder), store: store}, nil
}

// newNotifier builds the Matrix audit-room notifier when all four
// WARDEN_MATRIX_* variables are set. Partial configuration is an error;
// absent configuration disables notifications.
func newNotifier() (audit.Notifier, error) {
	homeserver := environment.StringOr("WARDEN_MATRIX_HOMESERVER", "")
	userID := environment.StringOr("WARDEN_MATRIX_USER_ID", "")
	token := environment.StringOr("WARDEN_MATRIX_ACCESS_TOKEN", "")
	room := environment.StringOr("WARDEN_MATRIX_AUDIT_ROOM", "")

	if homeserver == "" && userID == "" && token == "" && room == "" {
		return nil, nil
	}
	if homeserver == "" || userID == "" || token == "" || room == "" {
		return nil, fmt.Errorf("partial Matrix configuration: set all of WARDEN_MATRIX_HOMESERVER, WARDEN_MATRIX_USER_ID, WARDEN_MATRIX_ACCESS_TOKEN, WARDEN_MATRIX_AUDIT_ROOM")
	}

	client, err := matrix.New(&matrix.Config{
		Homeserver:  homeserver,
		UserID:      userID,
		AccessToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("create Matrix client: %w", err)
	}
	return audit.NewMatrixNotifier(client, room), nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	a.exec.Manager().Close()
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "list":
		return a.cmdList(ctx, args)
	case "run":
		return a.cmdRun(ctx, args)
	case "stop":
		return a.cmdStop(ctx, args)
	case "start":
		return a.cmdStart(ctx, args)
	case "remove":
		return a.cmdRemove(ctx, args)
	case "logs":
		return a.cmdLogs(ctx, args)
	case "build":
		return a.cmdBuild(ctx, args)
	case "rmi":
		return a.cmdRemoveImage(ctx, args)
	case "network-create":
		return a.cmdNetworkCreate(ctx, args)
	case "info":
		return a.cmdInfo(ctx)
	case "health":
		return a.cmdHealth(ctx)
	case "watch":
		return a.cmdWatch(ctx, args)
	case "audit":
		return a.cmdAudit(ctx, args)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, command)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	all := fs.BoolP("all", "a", false, "include stopped containers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	containers, err := a.exec.ListContainers(ctx, *all)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSTATUS\tPORTS")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Image, c.Status, c.Ports)
	}
	return w.Flush()
}

func (a *app) cmdRun(ctx context.Context, args []string) error {
	fs := newFlagSet("run")
	name := fs.String("name", "", "container name")
	env := fs.StringArray("env", nil, "environment variable KEY=VALUE (repeatable)")
	ports := fs.StringArrayP("port", "p", nil, "port mapping hostPort:containerPort (repeatable)")
	cmdline := fs.StringArray("cmd", nil, "command argument (repeatable)")
	privileged := fs.Bool("privileged", false, "request privileged mode")
	autoRemove := fs.Bool("rm", false, "remove the container when it exits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden run [flags] <image>")
	}

	result, err := a.exec.RunContainer(ctx, engine.RunOptions{
		Image:      fs.Arg(0),
		Name:       *name,
		Command:    *cmdline,
		Env:        *env,
		Ports:      *ports,
		Privileged: *privileged,
		AutoRemove: *autoRemove,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdStop(ctx context.Context, args []string) error {
	fs := newFlagSet("stop")
	grace := fs.IntP("time", "t", engine.DefaultStopGraceSeconds, "seconds to wait before killing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden stop [flags] <container>")
	}

	result, err := a.exec.StopContainer(ctx, fs.Arg(0), *grace)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdStart(ctx context.Context, args []string) error {
	fs := newFlagSet("start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden start <container>")
	}

	result, err := a.exec.StartContainer(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	fs := newFlagSet("remove")
	force := fs.BoolP("force", "f", false, "remove even if running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden remove [flags] <container>")
	}

	result, err := a.exec.RemoveContainer(ctx, fs.Arg(0), *force)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdLogs(ctx context.Context, args []string) error {
	fs := newFlagSet("logs")
	tail := fs.Int("tail", 100, "number of trailing lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden logs [flags] <container>")
	}

	logs, err := a.exec.ContainerLogs(ctx, fs.Arg(0), *tail)
	if err != nil {
		return err
	}
	fmt.Print(logs)
	return nil
}

func (a *app) cmdBuild(ctx context.Context, args []string) error {
	fs := newFlagSet("build")
	tag := fs.StringP("tag", "t", "", "tag for the built image (required)")
	dockerfile := fs.StringP("file", "f", "Dockerfile", "Dockerfile path relative to the context")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *tag == "" {
		return fmt.Errorf("usage: dockwarden build --tag <ref> [flags] <context-dir>")
	}

	result, err := a.exec.BuildImage(ctx, fs.Arg(0), *tag, *dockerfile)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdRemoveImage(ctx context.Context, args []string) error {
	fs := newFlagSet("rmi")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden rmi <image>")
	}

	result, err := a.exec.RemoveImage(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdNetworkCreate(ctx context.Context, args []string) error {
	fs := newFlagSet("network-create")
	driver := fs.String("driver", "bridge", "network driver")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockwarden network-create [flags] <name>")
	}

	result, err := a.exec.CreateNetwork(ctx, fs.Arg(0), *driver)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdInfo(ctx context.Context) error {
	info, err := a.exec.SystemInfo(ctx)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func (a *app) cmdHealth(ctx context.Context) error {
	report := a.exec.HealthCheck(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Connection || !report.ServerReachable ||
		!report.ContainersAccessible || !report.ImagesAccessible {
		return fmt.Errorf("health check reported failures")
	}
	return nil
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	fs := newFlagSet("watch")
	interval := fs.Duration("interval", dashboard.DefaultInterval, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d := dashboard.New(a.exec, os.Stdout, *interval)
	err := d.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (a *app) cmdAudit(ctx context.Context, args []string) error {
	fs := newFlagSet("audit")
	limit := fs.IntP("limit", "n", 50, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.store == nil {
		return fmt.Errorf("auditing is disabled: set WARDEN_AUDIT_DB")
	}

	entries, err := a.store.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(e.Summary())
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
