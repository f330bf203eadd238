package dashboard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/dockwarden/internal/warden/engine"
)

func TestSummary(t *testing.T) {
	got := Summary(engine.SystemInfo{
		Containers:        4,
		ContainersRunning: 2,
		ContainersPaused:  0,
		ContainersStopped: 2,
		Images:            9,
		ServerVersion:     "27.5.1",
	})
	want := "containers: 4 (2 running, 0 paused, 2 stopped)  images: 9  engine: 27.5.1"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}

func TestRenderListsContainers(t *testing.T) {
	out := Render(Snapshot{
		Containers: []engine.ContainerSummary{
			{ID: "aabbccddeeff", Name: "web", Image: "nginx:1.27", Status: "Up 2 hours", Ports: "8080:80/tcp"},
			{ID: "112233445566", Name: "batch", Image: "python:3.12", Status: "Exited (0) 1 hour ago", Ports: "none"},
		},
		Info:  engine.SystemInfo{Containers: 2, ContainersRunning: 1, ContainersStopped: 1, Images: 5, ServerVersion: "27.5.1"},
		Taken: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	})

	for _, want := range []string{"aabbccddeeff", "web", "nginx:1.27", "8080:80/tcp", "batch", "images: 5"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEmpty(t *testing.T) {
	out := Render(Snapshot{Taken: time.Now()})
	if !strings.Contains(out, "no containers") {
		t.Errorf("render missing empty marker:\n%s", out)
	}
}

func TestRenderPollError(t *testing.T) {
	out := Render(Snapshot{Taken: time.Now(), Err: errors.New("dial tcp: connection refused")})
	if !strings.Contains(out, "engine unreachable") {
		t.Errorf("render missing error banner:\n%s", out)
	}
	if strings.Contains(out, "ID") {
		t.Errorf("error snapshot should not render the table header:\n%s", out)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip(short) = %q", got)
	}
	if got := clip("a-very-long-container-name", 10); len([]rune(got)) != 10 {
		t.Errorf("clip length = %d, want 10 (%q)", len([]rune(got)), got)
	}
}
