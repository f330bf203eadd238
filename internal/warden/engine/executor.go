package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/bdobrica/dockwarden/internal/warden/observability"
	"github.com/bdobrica/dockwarden/internal/warden/policy"
)

// DefaultStopGraceSeconds is how long the engine waits for a graceful stop
// before killing the process. Stop is the only operation with a timeout of
// its own.
const DefaultStopGraceSeconds = 10

// Result is the normalized mapping returned by mutating operations. It is
// either fully populated or the operation failed; never partial.
type Result map[string]string

// ContainerSummary is one row of a listing, in engine-reported order.
type ContainerSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Status  string `json:"status"`
	Created string `json:"created"`
	Ports   string `json:"ports"`
}

// SystemInfo is a direct passthrough of host metrics; no derived arithmetic.
type SystemInfo struct {
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	ContainersPaused  int    `json:"containers_paused"`
	ContainersStopped int    `json:"containers_stopped"`
	Images            int    `json:"images"`
	ServerVersion     string `json:"server_version"`
	MemoryTotal       int64  `json:"memory_total"`
	CPUs              int    `json:"cpus"`
	DockerRootDir     string `json:"docker_root_dir"`
	OperatingSystem   string `json:"operating_system"`
	Architecture      string `json:"architecture"`
}

// HealthReport aggregates the four independent health checks. Unlike every
// other operation it tolerates partial failure: each check runs regardless
// of the previous one's outcome, because partial health is actionable.
type HealthReport struct {
	Connection           bool     `json:"connection"`
	ServerReachable      bool     `json:"server_reachable"`
	ContainersAccessible bool     `json:"containers_accessible"`
	ImagesAccessible     bool     `json:"images_accessible"`
	Errors               []string `json:"error_details"`
}

// RunOptions configures a run_container operation.
type RunOptions struct {
	Image      string
	Name       string
	Command    []string
	Env        []string
	Ports      []string // "hostPort:containerPort" specs
	Privileged bool
	AutoRemove bool
}

// Recorder receives a record of every guarded operation, executed or denied.
// Implementations must be best-effort; the executor ignores their failures.
type Recorder interface {
	Record(ctx context.Context, operation string, params map[string]any, verdict policy.Verdict, opErr error)
}

// Executor translates high-level intents into engine calls. Every operation
// consults the validation guard first, then self-heals the connection via
// EnsureConnected, resolves references against the live engine, performs the
// call, and normalizes the outcome.
type Executor struct {
	mgr      *Manager
	guard    *policy.Engine
	recorder Recorder
}

// NewExecutor wires an Executor to a connection manager and guard. recorder
// may be nil to disable audit recording.
func NewExecutor(mgr *Manager, guard *policy.Engine, recorder Recorder) *Executor {
	return &Executor{mgr: mgr, guard: guard, recorder: recorder}
}

// Manager exposes the underlying connection manager (the dashboard reads its
// state between polls).
func (x *Executor) Manager() *Manager { return x.mgr }

// authorize evaluates the guard for one request. A denial is recorded and
// returned as a PolicyViolation; advisory reasons are logged.
func (x *Executor) authorize(ctx context.Context, op string, params map[string]any) (policy.Verdict, error) {
	verdict := x.guard.Validate(op, params)
	if !verdict.Allowed {
		x.record(ctx, op, params, verdict, nil)
		return verdict, &PolicyViolation{Operation: op, Reason: verdict.Reason}
	}
	if strings.HasPrefix(verdict.Reason, "warning:") {
		observability.WithTrace(ctx).Warn("policy advisory", "operation", op, "reason", verdict.Reason)
	}
	return verdict, nil
}

func (x *Executor) record(ctx context.Context, op string, params map[string]any, verdict policy.Verdict, opErr error) {
	if x.recorder == nil {
		return
	}
	x.recorder.Record(ctx, op, params, verdict, opErr)
}

// resolveContainer resolves a caller-supplied ID or name against the live
// engine. Engine state is the source of truth; nothing is cached.
func (x *Executor) resolveContainer(ctx context.Context, ref string) (types.ContainerJSON, error) {
	insp, err := x.mgr.api().ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return types.ContainerJSON{}, &NotFoundError{Kind: "container", Ref: ref}
		}
		return types.ContainerJSON{}, &EngineOperationError{Operation: "inspect_container", Err: err}
	}
	return insp, nil
}

// ListContainers returns summaries in engine-reported order.
func (x *Executor) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	params := map[string]any{"all": all}
	verdict, err := x.authorize(ctx, policy.OpListContainers, params)
	if err != nil {
		return nil, err
	}

	var out []ContainerSummary
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		list, err := x.mgr.api().ContainerList(ctx, container.ListOptions{All: all})
		if err != nil {
			return &EngineOperationError{Operation: policy.OpListContainers, Err: err}
		}
		out = make([]ContainerSummary, 0, len(list))
		for _, c := range list {
			out = append(out, ContainerSummary{
				ID:      truncateID(c.ID),
				Name:    displayName(c.Names),
				Image:   imageDisplay(c.Image),
				Status:  c.Status,
				Created: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
				Ports:   formatPorts(c.Ports),
			})
		}
		return nil
	}()

	x.record(ctx, policy.OpListContainers, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// RunContainer creates and starts a container, pulling the image first when
// it is absent locally.
func (x *Executor) RunContainer(ctx context.Context, opts RunOptions) (Result, error) {
	params := map[string]any{
		"image":      opts.Image,
		"name":       opts.Name,
		"privileged": opts.Privileged,
	}
	verdict, err := x.authorize(ctx, policy.OpRunContainer, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		api := x.mgr.api()

		if _, _, err := api.ImageInspectWithRaw(ctx, opts.Image); err != nil {
			if !dockerclient.IsErrNotFound(err) {
				return &EngineOperationError{Operation: policy.OpRunContainer, Err: err}
			}
			observability.WithTrace(ctx).Info("image not present locally, pulling", "image", opts.Image)
			rc, err := api.ImagePull(ctx, opts.Image, image.PullOptions{})
			if err != nil {
				return &EngineOperationError{Operation: policy.OpRunContainer, Err: fmt.Errorf("pull %s: %w", opts.Image, err)}
			}
			_, _ = io.Copy(io.Discard, rc)
			rc.Close()
		}

		exposed, bindings, err := parsePortSpecs(opts.Ports)
		if err != nil {
			return &EngineOperationError{Operation: policy.OpRunContainer, Err: err}
		}

		cfg := &container.Config{
			Image:        opts.Image,
			Cmd:          opts.Command,
			Env:          opts.Env,
			ExposedPorts: exposed,
		}
		hostCfg := &container.HostConfig{
			PortBindings: bindings,
			AutoRemove:   opts.AutoRemove,
		}
		resp, err := api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
		if err != nil {
			return &EngineOperationError{Operation: policy.OpRunContainer, Err: err}
		}
		if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			// Do not leave the half-created container behind.
			_ = api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return &EngineOperationError{Operation: policy.OpRunContainer, Err: err}
		}

		name := opts.Name
		if name == "" {
			if insp, err := api.ContainerInspect(ctx, resp.ID); err == nil {
				name = strings.TrimPrefix(insp.Name, "/")
			}
		}
		res = Result{
			"id":     truncateID(resp.ID),
			"name":   name,
			"image":  opts.Image,
			"status": "running",
		}
		return nil
	}()

	x.record(ctx, policy.OpRunContainer, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// StopContainer stops a running container, giving it graceSeconds before the
// engine kills the process. graceSeconds <= 0 uses the default.
func (x *Executor) StopContainer(ctx context.Context, ref string, graceSeconds int) (Result, error) {
	if graceSeconds <= 0 {
		graceSeconds = DefaultStopGraceSeconds
	}
	params := map[string]any{"name": ref, "timeout": graceSeconds}
	verdict, err := x.authorize(ctx, policy.OpStopContainer, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		insp, err := x.resolveContainer(ctx, ref)
		if err != nil {
			return err
		}
		if err := x.mgr.api().ContainerStop(ctx, insp.ID, container.StopOptions{Timeout: &graceSeconds}); err != nil {
			return &EngineOperationError{Operation: policy.OpStopContainer, Err: err}
		}
		res = Result{
			"id":     truncateID(insp.ID),
			"name":   strings.TrimPrefix(insp.Name, "/"),
			"status": "stopped",
			"action": "stopped",
		}
		return nil
	}()

	x.record(ctx, policy.OpStopContainer, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// StartContainer starts a previously stopped container.
func (x *Executor) StartContainer(ctx context.Context, ref string) (Result, error) {
	params := map[string]any{"name": ref}
	verdict, err := x.authorize(ctx, policy.OpStartContainer, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		insp, err := x.resolveContainer(ctx, ref)
		if err != nil {
			return err
		}
		if err := x.mgr.api().ContainerStart(ctx, insp.ID, container.StartOptions{}); err != nil {
			return &EngineOperationError{Operation: policy.OpStartContainer, Err: err}
		}
		res = Result{
			"id":     truncateID(insp.ID),
			"name":   strings.TrimPrefix(insp.Name, "/"),
			"status": "running",
			"action": "started",
		}
		return nil
	}()

	x.record(ctx, policy.OpStartContainer, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// RemoveContainer removes a container. The guard vetoes critical
// infrastructure by name before the engine is ever contacted.
func (x *Executor) RemoveContainer(ctx context.Context, ref string, force bool) (Result, error) {
	params := map[string]any{"name": ref, "force": force}
	verdict, err := x.authorize(ctx, policy.OpRemoveContainer, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		insp, err := x.resolveContainer(ctx, ref)
		if err != nil {
			return err
		}
		if err := x.mgr.api().ContainerRemove(ctx, insp.ID, container.RemoveOptions{Force: force}); err != nil {
			return &EngineOperationError{Operation: policy.OpRemoveContainer, Err: err}
		}
		res = Result{
			"id":     truncateID(insp.ID),
			"name":   strings.TrimPrefix(insp.Name, "/"),
			"status": "removed",
			"action": "removed",
		}
		return nil
	}()

	x.record(ctx, policy.OpRemoveContainer, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// ContainerLogs returns the last tail lines of a container's output as one
// string. Multiplexed streams are demultiplexed; TTY output is passed through.
func (x *Executor) ContainerLogs(ctx context.Context, ref string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	params := map[string]any{"name": ref, "lines": tail}
	verdict, err := x.authorize(ctx, policy.OpContainerLogs, params)
	if err != nil {
		return "", err
	}

	var logs string
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		insp, err := x.resolveContainer(ctx, ref)
		if err != nil {
			return err
		}
		rc, err := x.mgr.api().ContainerLogs(ctx, insp.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       strconv.Itoa(tail),
		})
		if err != nil {
			return &EngineOperationError{Operation: policy.OpContainerLogs, Err: err}
		}
		defer rc.Close()

		var buf bytes.Buffer
		if insp.Config != nil && insp.Config.Tty {
			_, err = io.Copy(&buf, rc)
		} else {
			_, err = stdcopy.StdCopy(&buf, &buf, rc)
		}
		if err != nil {
			return &EngineOperationError{Operation: policy.OpContainerLogs, Err: err}
		}
		logs = buf.String()
		return nil
	}()

	x.record(ctx, policy.OpContainerLogs, params, verdict, opErr)
	if opErr != nil {
		return "", opErr
	}
	return logs, nil
}

// buildMessage is one line of the engine's build output stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// BuildImage builds an image from a context directory and blocks until the
// build completes. Construction log lines are joined into a single blob in
// the result; partial output is never exposed.
func (x *Executor) BuildImage(ctx context.Context, contextDir, tag, dockerfile string) (Result, error) {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	params := map[string]any{"path": contextDir, "tag": tag, "dockerfile": dockerfile}
	verdict, err := x.authorize(ctx, policy.OpBuildImage, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		api := x.mgr.api()

		buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
		if err != nil {
			return &EngineOperationError{Operation: policy.OpBuildImage, Err: fmt.Errorf("build context: %w", err)}
		}
		defer buildCtx.Close()

		resp, err := api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
			Tags:       []string{tag},
			Dockerfile: dockerfile,
			Remove:     true,
		})
		if err != nil {
			return &EngineOperationError{Operation: policy.OpBuildImage, Err: err}
		}
		defer resp.Body.Close()

		var lines []string
		dec := json.NewDecoder(resp.Body)
		for {
			var msg buildMessage
			if err := dec.Decode(&msg); err != nil {
				if err == io.EOF {
					break
				}
				return &EngineOperationError{Operation: policy.OpBuildImage, Err: err}
			}
			if msg.Error != "" {
				return &EngineOperationError{Operation: policy.OpBuildImage, Err: fmt.Errorf("%s", msg.Error)}
			}
			if s := strings.TrimSpace(msg.Stream); s != "" {
				lines = append(lines, s)
			}
		}

		id := ""
		if insp, _, err := api.ImageInspectWithRaw(ctx, tag); err == nil {
			id = truncateID(insp.ID)
		}
		res = Result{
			"id":     id,
			"tag":    tag,
			"status": "built",
			"logs":   strings.Join(lines, "\n"),
		}
		return nil
	}()

	x.record(ctx, policy.OpBuildImage, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// RemoveImage removes an image. The guard protects untagged base images.
func (x *Executor) RemoveImage(ctx context.Context, ref string) (Result, error) {
	params := map[string]any{"image": ref}
	verdict, err := x.authorize(ctx, policy.OpRemoveImage, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		api := x.mgr.api()
		insp, _, err := api.ImageInspectWithRaw(ctx, ref)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				return &NotFoundError{Kind: "image", Ref: ref}
			}
			return &EngineOperationError{Operation: policy.OpRemoveImage, Err: err}
		}
		if _, err := api.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil {
			return &EngineOperationError{Operation: policy.OpRemoveImage, Err: err}
		}
		res = Result{
			"id":     truncateID(insp.ID),
			"image":  ref,
			"status": "removed",
			"action": "removed",
		}
		return nil
	}()

	x.record(ctx, policy.OpRemoveImage, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// CreateNetwork creates a bridge network. The guard vetoes reserved names.
func (x *Executor) CreateNetwork(ctx context.Context, name, driver string) (Result, error) {
	if driver == "" {
		driver = "bridge"
	}
	params := map[string]any{"name": name, "driver": driver}
	verdict, err := x.authorize(ctx, policy.OpCreateNetwork, params)
	if err != nil {
		return nil, err
	}

	var res Result
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		resp, err := x.mgr.api().NetworkCreate(ctx, name, network.CreateOptions{Driver: driver})
		if err != nil {
			return &EngineOperationError{Operation: policy.OpCreateNetwork, Err: err}
		}
		res = Result{
			"id":     truncateID(resp.ID),
			"name":   name,
			"driver": driver,
			"status": "created",
			"action": "created",
		}
		return nil
	}()

	x.record(ctx, policy.OpCreateNetwork, params, verdict, opErr)
	if opErr != nil {
		return nil, opErr
	}
	return res, nil
}

// SystemInfo returns host metrics as reported by the engine.
func (x *Executor) SystemInfo(ctx context.Context) (SystemInfo, error) {
	params := map[string]any{}
	verdict, err := x.authorize(ctx, policy.OpSystemInfo, params)
	if err != nil {
		return SystemInfo{}, err
	}

	var info SystemInfo
	opErr := func() error {
		if err := x.mgr.EnsureConnected(ctx); err != nil {
			return err
		}
		raw, err := x.mgr.api().Info(ctx)
		if err != nil {
			return &EngineOperationError{Operation: policy.OpSystemInfo, Err: err}
		}
		info = SystemInfo{
			Containers:        raw.Containers,
			ContainersRunning: raw.ContainersRunning,
			ContainersPaused:  raw.ContainersPaused,
			ContainersStopped: raw.ContainersStopped,
			Images:            raw.Images,
			ServerVersion:     raw.ServerVersion,
			MemoryTotal:       raw.MemTotal,
			CPUs:              raw.NCPU,
			DockerRootDir:     raw.DockerRootDir,
			OperatingSystem:   raw.OperatingSystem,
			Architecture:      raw.Architecture,
		}
		return nil
	}()

	x.record(ctx, policy.OpSystemInfo, params, verdict, opErr)
	if opErr != nil {
		return SystemInfo{}, opErr
	}
	return info, nil
}

// HealthCheck probes four capabilities in sequence: connect, ping, container
// listing, image listing. Every check runs even when an earlier one failed;
// failures are aggregated, never propagated as an error.
func (x *Executor) HealthCheck(ctx context.Context) HealthReport {
	rep := HealthReport{}

	if err := x.mgr.EnsureConnected(ctx); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	} else {
		rep.Connection = true
	}

	api := x.mgr.api()
	if api == nil {
		rep.Errors = append(rep.Errors, "engine client unavailable; remaining checks skipped")
		x.record(ctx, policy.OpHealthCheck, map[string]any{}, policy.Verdict{Allowed: true, Reason: "health check"}, nil)
		return rep
	}

	if _, err := api.Ping(ctx); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("ping: %v", err))
	} else {
		rep.ServerReachable = true
	}

	if _, err := api.ContainerList(ctx, container.ListOptions{}); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list containers: %v", err))
	} else {
		rep.ContainersAccessible = true
	}

	if _, err := api.ImageList(ctx, image.ListOptions{}); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list images: %v", err))
	} else {
		rep.ImagesAccessible = true
	}

	x.record(ctx, policy.OpHealthCheck, map[string]any{}, policy.Verdict{Allowed: true, Reason: "health check"}, nil)
	return rep
}

// parsePortSpecs converts "hostPort:containerPort" specs into the engine's
// exposed-port and binding structures. Container ports default to tcp.
func parsePortSpecs(specs []string) (nat.PortSet, nat.PortMap, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(specs))
	bindings := make(nat.PortMap, len(specs))
	for _, spec := range specs {
		host, cont, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, nil, fmt.Errorf("invalid port spec %q, want hostPort:containerPort", spec)
		}
		proto := "tcp"
		if p, rest, found := strings.Cut(cont, "/"); found {
			cont, proto = p, rest
		}
		port, err := nat.NewPort(proto, cont)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port in %q: %w", spec, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: host})
	}
	return exposed, bindings, nil
}
