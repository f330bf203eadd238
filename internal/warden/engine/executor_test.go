package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/dockwarden/internal/warden/policy"
)

// newMuxedStream renders body either raw (tty) or framed the way the engine
// multiplexes non-tty container streams.
func newMuxedStream(body string, tty bool) io.Reader {
	if tty {
		return strings.NewReader(body)
	}
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(body))
	return &buf
}

// recordedOp captures one Recorder invocation.
type recordedOp struct {
	op      string
	verdict policy.Verdict
	err     error
}

type fakeRecorder struct {
	records []recordedOp
}

func (r *fakeRecorder) Record(ctx context.Context, operation string, params map[string]any, verdict policy.Verdict, opErr error) {
	r.records = append(r.records, recordedOp{op: operation, verdict: verdict, err: opErr})
}

func newTestExecutor(api *fakeAPI) (*Executor, *fakeRecorder) {
	m, _ := newTestManager(api, nil)
	rec := &fakeRecorder{}
	return NewExecutor(m, policy.New(policy.DefaultRuleset()), rec), rec
}

func TestListContainers_Normalization(t *testing.T) {
	api := &fakeAPI{
		containers: []types.Container{
			{
				ID:      "0123456789abcdef0123456789abcdef",
				Names:   []string{"/web-1"},
				Image:   "myapp:1.0",
				Status:  "Up 3 hours",
				Created: 1700000000,
				Ports:   []types.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}},
			},
			{
				ID:     "fedcba9876543210fedcba9876543210",
				Names:  []string{"/batch"},
				Image:  "sha256:aabbccddeeff00112233",
				Status: "Exited (0) 2 days ago",
			},
		},
	}
	x, _ := newTestExecutor(api)

	out, err := x.ListContainers(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d rows", len(out))
	}

	if out[0].ID != "0123456789ab" {
		t.Errorf("id = %q, want first 12 chars", out[0].ID)
	}
	if out[0].Name != "web-1" {
		t.Errorf("name = %q", out[0].Name)
	}
	if out[0].Ports != "8080:80/tcp" {
		t.Errorf("ports = %q", out[0].Ports)
	}

	// No bindings reported => "none", untagged image falls back to short ID.
	if out[1].Ports != "none" {
		t.Errorf("ports = %q, want none", out[1].Ports)
	}
	if out[1].Image != "aabbccddeeff" {
		t.Errorf("image = %q", out[1].Image)
	}
}

func TestListContainers_EngineOrderPreserved(t *testing.T) {
	api := &fakeAPI{
		containers: []types.Container{
			{ID: "zzzzzzzzzzzzzz", Names: []string{"/z"}},
			{ID: "aaaaaaaaaaaaaa", Names: []string{"/a"}},
		},
	}
	x, _ := newTestExecutor(api)

	out, err := x.ListContainers(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Name != "z" || out[1].Name != "a" {
		t.Errorf("order was changed: %v", out)
	}
}

func TestRemoveContainer_PolicyDenialNeverTouchesEngine(t *testing.T) {
	api := &fakeAPI{}
	x, rec := newTestExecutor(api)

	_, err := x.RemoveContainer(context.Background(), "postgres-primary", true)
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
	if !strings.Contains(pv.Reason, "postgres") {
		t.Errorf("reason should name the keyword, got %q", pv.Reason)
	}
	if api.pingCalls != 0 || len(api.removed) != 0 {
		t.Error("engine must not be contacted after a denial")
	}
	if len(rec.records) != 1 || rec.records[0].verdict.Allowed {
		t.Errorf("denial should be recorded, got %+v", rec.records)
	}
}

func TestRemoveContainer_Success(t *testing.T) {
	api := &fakeAPI{
		inspects: map[string]types.ContainerJSON{
			"scratch-build": {
				ContainerJSONBase: &types.ContainerJSONBase{
					ID:   "abcdefabcdefabcdefabcdef",
					Name: "/scratch-build",
				},
			},
		},
	}
	x, rec := newTestExecutor(api)

	res, err := x.RemoveContainer(context.Background(), "scratch-build", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Result{"id": "abcdefabcdef", "name": "scratch-build", "status": "removed", "action": "removed"}
	for k, v := range want {
		if res[k] != v {
			t.Errorf("res[%q] = %q, want %q", k, res[k], v)
		}
	}
	if len(api.removed) != 1 {
		t.Error("engine remove not called")
	}
	if len(rec.records) != 1 || rec.records[0].err != nil {
		t.Errorf("success should be recorded without error, got %+v", rec.records)
	}
}

func TestRemoveContainer_NotFound(t *testing.T) {
	api := &fakeAPI{inspects: map[string]types.ContainerJSON{}}
	x, _ := newTestExecutor(api)

	_, err := x.RemoveContainer(context.Background(), "ghost", false)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Kind != "container" || nf.Ref != "ghost" {
		t.Errorf("unexpected NotFoundError: %+v", nf)
	}
}

func TestStopContainer_UsesGracePeriod(t *testing.T) {
	api := &fakeAPI{
		inspects: map[string]types.ContainerJSON{
			"web": {ContainerJSONBase: &types.ContainerJSONBase{ID: "123456789012ff", Name: "/web"}},
		},
	}
	x, _ := newTestExecutor(api)

	res, err := x.StopContainer(context.Background(), "web", 30)
	if err != nil {
		t.Fatal(err)
	}
	if res["action"] != "stopped" || res["status"] != "stopped" {
		t.Errorf("unexpected result: %v", res)
	}
	if len(api.stopped) != 1 {
		t.Error("stop not issued")
	}
}

func TestStartContainer_Result(t *testing.T) {
	api := &fakeAPI{
		inspects: map[string]types.ContainerJSON{
			"web": {ContainerJSONBase: &types.ContainerJSONBase{ID: "aaaabbbbccccdddd", Name: "/web"}},
		},
	}
	x, _ := newTestExecutor(api)

	res, err := x.StartContainer(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if res["status"] != "running" || res["action"] != "started" {
		t.Errorf("unexpected result: %v", res)
	}
}

func TestRunContainer_PrivilegedDenied(t *testing.T) {
	api := &fakeAPI{}
	x, _ := newTestExecutor(api)

	_, err := x.RunContainer(context.Background(), RunOptions{Image: "myapp:1.0", Privileged: true})
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
	if api.createdName != "" {
		t.Error("container must not be created after denial")
	}
}

func TestRunContainer_PullsMissingImage(t *testing.T) {
	api := &fakeAPI{
		inspects: map[string]types.ContainerJSON{},
	}
	x, _ := newTestExecutor(api)

	res, err := x.RunContainer(context.Background(), RunOptions{
		Image: "myapp:1.2.3",
		Name:  "job-1",
		Ports: []string{"8080:80"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.pulled) != 1 || api.pulled[0] != "myapp:1.2.3" {
		t.Errorf("image should have been pulled, got %v", api.pulled)
	}
	if api.createdName != "job-1" {
		t.Errorf("created name = %q", api.createdName)
	}
	if res["status"] != "running" || res["id"] != "cccccccccccc" {
		t.Errorf("unexpected result: %v", res)
	}
}

func TestRunContainer_StartFailureCleansUp(t *testing.T) {
	api := &fakeAPI{
		imageRaw: map[string]types.ImageInspect{"myapp:1.0": {ID: "sha256:abc"}},
		startErr: errors.New("port already allocated"),
	}
	x, _ := newTestExecutor(api)

	_, err := x.RunContainer(context.Background(), RunOptions{Image: "myapp:1.0", Name: "web"})
	var opErr *EngineOperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected EngineOperationError, got %v", err)
	}
	if len(api.removed) != 1 {
		t.Error("half-created container should be removed")
	}
}

func TestContainerLogs_Demultiplexed(t *testing.T) {
	api := &fakeAPI{
		inspects: map[string]types.ContainerJSON{
			"web": {
				ContainerJSONBase: &types.ContainerJSONBase{ID: "1234567890ab", Name: "/web"},
				Config:            &container.Config{Tty: false},
			},
		},
		logsBody: "hello from app\n",
	}
	x, _ := newTestExecutor(api)

	logs, err := x.ContainerLogs(context.Background(), "web", 50)
	if err != nil {
		t.Fatal(err)
	}
	if logs != "hello from app\n" {
		t.Errorf("logs = %q", logs)
	}
}

func TestBuildImage_JoinsStreamLines(t *testing.T) {
	api := &fakeAPI{
		buildBody: `{"stream":"Step 1/2 : FROM alpine:3.20\n"}
{"stream":" ---> 0123456789ab\n"}
{"stream":"Successfully built 0123456789ab\n"}
`,
		imageRaw: map[string]types.ImageInspect{
			"myapp:build": {ID: "sha256:0123456789abcdef"},
		},
	}
	x, _ := newTestExecutor(api)

	res, err := x.BuildImage(context.Background(), ".", "myapp:build", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res["status"] != "built" || res["tag"] != "myapp:build" {
		t.Errorf("unexpected result: %v", res)
	}
	if res["id"] != "0123456789ab" {
		t.Errorf("id = %q", res["id"])
	}
	wantLogs := "Step 1/2 : FROM alpine:3.20\n---> 0123456789ab\nSuccessfully built 0123456789ab"
	if res["logs"] != wantLogs {
		t.Errorf("logs = %q, want %q", res["logs"], wantLogs)
	}
}

func TestBuildImage_EngineErrorPreservedVerbatim(t *testing.T) {
	api := &fakeAPI{
		buildBody: `{"stream":"Step 1/1 : FROM nosuch\n"}
{"error":"pull access denied for nosuch"}
`,
	}
	x, _ := newTestExecutor(api)

	_, err := x.BuildImage(context.Background(), ".", "myapp:build", "Dockerfile")
	var opErr *EngineOperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected EngineOperationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "pull access denied for nosuch") {
		t.Errorf("engine message not preserved: %v", err)
	}
}

func TestRemoveImage_GuardProtectsBareBaseImage(t *testing.T) {
	api := &fakeAPI{}
	x, _ := newTestExecutor(api)

	_, err := x.RemoveImage(context.Background(), "alpine")
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
	if len(api.removedImgs) != 0 {
		t.Error("image remove must not be attempted")
	}
}

func TestRemoveImage_TaggedAllowed(t *testing.T) {
	api := &fakeAPI{
		imageRaw: map[string]types.ImageInspect{"alpine:3.20": {ID: "sha256:ffeeddccbbaa99887766"}},
	}
	x, _ := newTestExecutor(api)

	res, err := x.RemoveImage(context.Background(), "alpine:3.20")
	if err != nil {
		t.Fatal(err)
	}
	if res["id"] != "ffeeddccbbaa" || res["action"] != "removed" {
		t.Errorf("unexpected result: %v", res)
	}
}

func TestCreateNetwork_ReservedDenied(t *testing.T) {
	api := &fakeAPI{networkID: "0011223344556677"}
	x, _ := newTestExecutor(api)

	if _, err := x.CreateNetwork(context.Background(), "bridge", ""); err == nil {
		t.Fatal("expected denial for reserved network name")
	}

	res, err := x.CreateNetwork(context.Background(), "app-net", "")
	if err != nil {
		t.Fatal(err)
	}
	if res["driver"] != "bridge" || res["id"] != "001122334455" {
		t.Errorf("unexpected result: %v", res)
	}
}

func TestSystemInfo_Passthrough(t *testing.T) {
	api := &fakeAPI{
		info: system.Info{
			Containers:        7,
			ContainersRunning: 3,
			ContainersPaused:  1,
			ContainersStopped: 3,
			Images:            12,
			ServerVersion:     "27.5.1",
			MemTotal:          16_000_000_000,
			NCPU:              8,
			DockerRootDir:     "/var/lib/docker",
			OperatingSystem:   "Debian GNU/Linux 12",
			Architecture:      "x86_64",
		},
	}
	x, _ := newTestExecutor(api)

	info, err := x.SystemInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Containers != 7 || info.CPUs != 8 || info.MemoryTotal != 16_000_000_000 {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.ServerVersion != "27.5.1" {
		t.Errorf("server version = %q", info.ServerVersion)
	}
}

func TestHealthCheck_ContinuesPastPingFailure(t *testing.T) {
	// The connect-time ping succeeds; the health check's own probe fails.
	api := &pingOnceAPI{fakeAPI: &fakeAPI{}}
	m := &Manager{
		endpoint: "192.0.2.1:2375",
		dial:     func(string) (engineAPI, error) { return api, nil },
	}
	x := NewExecutor(m, policy.New(policy.DefaultRuleset()), nil)

	rep := x.HealthCheck(context.Background())

	if !rep.Connection {
		t.Error("connection check should pass")
	}
	if rep.ServerReachable {
		t.Error("ping failed, server_reachable should be false")
	}
	// The two listing checks still ran and succeeded independently.
	if !rep.ContainersAccessible || !rep.ImagesAccessible {
		t.Errorf("listing checks should still be attempted: %+v", rep)
	}
	if len(rep.Errors) == 0 {
		t.Error("ping failure should be recorded in the error list")
	}
}

// pingOnceAPI serves exactly one successful ping, then fails every probe.
type pingOnceAPI struct {
	*fakeAPI
	pings int
}

func (p *pingOnceAPI) Ping(ctx context.Context) (types.Ping, error) {
	p.pings++
	if p.pings > 1 {
		return types.Ping{}, errors.New("server misbehaving")
	}
	return types.Ping{}, nil
}

func TestHealthCheck_AllHealthy(t *testing.T) {
	api := &fakeAPI{}
	x, _ := newTestExecutor(api)

	rep := x.HealthCheck(context.Background())
	if !rep.Connection || !rep.ServerReachable || !rep.ContainersAccessible || !rep.ImagesAccessible {
		t.Errorf("expected all checks green: %+v", rep)
	}
	if len(rep.Errors) != 0 {
		t.Errorf("unexpected errors: %v", rep.Errors)
	}
}

func TestHealthCheck_NoConnection(t *testing.T) {
	m, _ := newTestManager(nil, errors.New("no route to host"))
	x := NewExecutor(m, policy.New(policy.DefaultRuleset()), nil)

	rep := x.HealthCheck(context.Background())
	if rep.Connection {
		t.Error("connection check should fail")
	}
	if rep.ContainersAccessible || rep.ImagesAccessible {
		t.Error("listing checks cannot pass without a client")
	}
	if len(rep.Errors) < 1 {
		t.Error("failures should be aggregated")
	}
}

func TestParsePortSpecs(t *testing.T) {
	exposed, bindings, err := parsePortSpecs([]string{"8080:80", "5433:5432/tcp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(exposed) != 2 || len(bindings) != 2 {
		t.Fatalf("exposed=%d bindings=%d", len(exposed), len(bindings))
	}

	if _, _, err := parsePortSpecs([]string{"8080"}); err == nil {
		t.Error("spec without colon should be rejected")
	}
}
