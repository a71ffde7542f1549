package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

const testImage = "python:3.11-slim"

var dockerCheck struct {
	once sync.Once
	err  error
}

// requireDocker skips the test unless a docker daemon and the sandbox image
// are available. TURNSTONE_DOCKER_TESTS=1 turns the skip into a failure;
// TURNSTONE_DOCKER_PULL=1 allows pulling the image first.
func requireDocker(t *testing.T) {
	t.Helper()
	force := os.Getenv("TURNSTONE_DOCKER_TESTS") == "1"
	if testing.Short() && !force {
		t.Skip("skipping docker test in short mode")
	}
	dockerCheck.once.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCheck.err = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
			dockerCheck.err = fmt.Errorf("docker daemon not reachable: %w", err)
			return
		}
		if err := exec.CommandContext(ctx, "docker", "image", "inspect", testImage).Run(); err == nil {
			return
		}
		if os.Getenv("TURNSTONE_DOCKER_PULL") != "1" {
			dockerCheck.err = fmt.Errorf("image %s not present, set TURNSTONE_DOCKER_PULL=1 to pull", testImage)
			return
		}
		pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer pullCancel()
		if err := exec.CommandContext(pullCtx, "docker", "pull", testImage).Run(); err != nil {
			dockerCheck.err = fmt.Errorf("failed to pull %s: %w", testImage, err)
		}
	})
	if dockerCheck.err != nil {
		if force {
			t.Fatalf("docker required but unavailable: %v", dockerCheck.err)
		}
		t.Skipf("docker unavailable: %v", dockerCheck.err)
	}
}

func TestStatelessDockerShell(t *testing.T) {
	requireDocker(t)
	e := NewStatelessDocker(Config{TimeoutSeconds: 60}, nil)

	res, err := e.ExecuteShell(context.Background(), "echo from-container")
	if err != nil {
		t.Fatalf("ExecuteShell error: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, stderr: %q, error: %q", res.Stderr, res.Error)
	}
	if got := strings.TrimSpace(res.Stdout); got != "from-container" {
		t.Errorf("Stdout = %q, want %q", got, "from-container")
	}
}

func TestStatelessDockerPython(t *testing.T) {
	requireDocker(t)
	e := NewStatelessDocker(Config{TimeoutSeconds: 60}, nil)

	res, err := e.ExecutePython(context.Background(), "print(sum(range(10)))")
	if err != nil {
		t.Fatalf("ExecutePython error: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, stderr: %q, error: %q", res.Stderr, res.Error)
	}
	if got := strings.TrimSpace(res.Stdout); got != "45" {
		t.Errorf("Stdout = %q, want %q", got, "45")
	}
}

func TestStatelessDockerExitCode(t *testing.T) {
	requireDocker(t)
	e := NewStatelessDocker(Config{TimeoutSeconds: 60}, nil)

	res, err := e.ExecuteShell(context.Background(), "exit 7")
	if err != nil {
		t.Fatalf("ExecuteShell error: %v", err)
	}
	if res.Success {
		t.Error("Success = true for a non-zero exit")
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestSessionDockerLifecycle(t *testing.T) {
	requireDocker(t)

	now := time.Now()
	clock := func() time.Time { return now }
	e := NewSessionDocker(Config{
		TimeoutSeconds: 60,
		Docker:         Docker{SessionEnabled: true},
	}, nil, WithNow(clock))

	ctx := context.Background()
	id, err := e.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}
	defer e.StopSession(ctx)
	if id == "" {
		t.Fatal("StartSession returned an empty id")
	}
	if got := e.SessionID(); got != id {
		t.Errorf("SessionID = %q, want %q", got, id)
	}

	again, err := e.StartSession(ctx)
	if err != nil {
		t.Fatalf("second StartSession error: %v", err)
	}
	if again != id {
		t.Errorf("second StartSession = %q, want the original id %q", again, id)
	}

	// Files written by one call are visible to the next.
	res, err := e.ExecuteShell(ctx, "echo persisted > state.txt")
	if err != nil {
		t.Fatalf("ExecuteShell error: %v", err)
	}
	if !res.Success {
		t.Fatalf("write failed, stderr: %q, error: %q", res.Stderr, res.Error)
	}

	res, err = e.ExecuteShell(ctx, "cat state.txt")
	if err != nil {
		t.Fatalf("ExecuteShell error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "persisted" {
		t.Errorf("workspace state did not persist, got %q", got)
	}

	// Python shares the same workspace.
	res, err = e.ExecutePython(ctx, "print(open('state.txt').read().strip())")
	if err != nil {
		t.Fatalf("ExecutePython error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "persisted" {
		t.Errorf("python saw %q, want %q", got, "persisted")
	}

	if e.IsExpired(time.Hour) {
		t.Error("fresh session reported expired")
	}
	now = now.Add(2 * time.Hour)
	if !e.IsExpired(time.Hour) {
		t.Error("session idle for 2h not reported expired with 1h max idle")
	}

	if err := e.StopSession(ctx); err != nil {
		t.Fatalf("StopSession error: %v", err)
	}
	if _, err := e.ExecuteShell(ctx, "true"); !errors.Is(err, ErrSessionNotStarted) {
		t.Errorf("ExecuteShell after stop = %v, want ErrSessionNotStarted", err)
	}
}

func TestSessionNotStarted(t *testing.T) {
	e := NewSessionDocker(Config{}, nil)
	ctx := context.Background()

	if _, err := e.ExecuteShell(ctx, "true"); !errors.Is(err, ErrSessionNotStarted) {
		t.Errorf("ExecuteShell = %v, want ErrSessionNotStarted", err)
	}
	if _, err := e.ExecutePython(ctx, "print(1)"); !errors.Is(err, ErrSessionNotStarted) {
		t.Errorf("ExecutePython = %v, want ErrSessionNotStarted", err)
	}
	if !e.IsExpired(time.Hour) {
		t.Error("a never-started session should be expired")
	}
	if err := e.StopSession(ctx); err != nil {
		t.Errorf("StopSession on a stopped session = %v, want nil", err)
	}
	if got := e.SessionID(); got != "" {
		t.Errorf("SessionID = %q, want empty before start", got)
	}
}

func TestParseOrphans(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour).Format(createdAtLayout)
	fresh := now.Format(createdAtLayout)

	out := strings.Join([]string{
		ContainerPrefix + "old\t" + old,
		ContainerPrefix + "fresh\t" + fresh,
		"unrelated-container\t" + old,
		"line without a tab",
		ContainerPrefix + "bad-time\tnot a timestamp",
		"",
	}, "\n")

	got := parseOrphans(out, now.Add(-time.Hour))
	want := []string{ContainerPrefix + "old"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseOrphans = %v, want %v", got, want)
	}
}

func TestParseOrphansEmptyOutput(t *testing.T) {
	if got := parseOrphans("", time.Now()); got != nil {
		t.Errorf("parseOrphans(\"\") = %v, want nil", got)
	}
}

func TestRemoveContainerRefusesForeignNames(t *testing.T) {
	if err := RemoveContainer(context.Background(), "postgres-main"); err == nil {
		t.Fatal("RemoveContainer should refuse names outside the sandbox prefix")
	}
}
