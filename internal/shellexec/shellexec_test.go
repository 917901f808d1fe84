package shellexec

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestExecuteBasic(t *testing.T) {
	e := New(t.TempDir())
	res, err := e.Execute(context.Background(), "echo hello", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("got %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("want exit 0, got %d", res.ExitCode)
	}
}

func TestExecuteWithCWDTrackingOnCDSuccess(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	if _, err := e.Execute(context.Background(), "mkdir -p sub", time.Second); err != nil {
		t.Fatal(err)
	}
	_, err := e.ExecuteWithCWDTracking(context.Background(), "cd sub", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(e.Cwd(), "sub") {
		t.Fatalf("expected cwd to end with sub, got %q", e.Cwd())
	}
}

func TestExecuteWithCWDTrackingOnFailureLeavesCWDUnchanged(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	before := e.Cwd()
	_, err := e.ExecuteWithCWDTracking(context.Background(), "cd /does/not/exist", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if e.Cwd() != before {
		t.Fatalf("cwd changed on failed cd: %q -> %q", before, e.Cwd())
	}
}

func TestTimeout(t *testing.T) {
	e := New(t.TempDir())
	res, err := e.Execute(context.Background(), "sleep 2", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("expected stderr to mention timeout, got %q", res.Stderr)
	}
}

func TestForkForSubagentIsolatesBackgroundRegistry(t *testing.T) {
	parent := New(t.TempDir())
	child := parent.ForkForSubagent()
	if child.BackgroundRegistry() == parent.BackgroundRegistry() {
		t.Fatalf("expected fork to have its own background registry")
	}
	if child.Cwd() != parent.Cwd() {
		t.Fatalf("expected fork to start from parent cwd")
	}
}

func TestTruncateStreamMarksLargeOutput(t *testing.T) {
	big := strings.Repeat("x", MaxOutputBytes+1000)
	out, truncated := truncateStream(big)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if !strings.Contains(out, "truncated") {
		t.Fatalf("expected truncation marker in output")
	}
}

func TestSnapshotWrapRewritesOnlyLC(t *testing.T) {
	e := New(t.TempDir())
	snap := t.TempDir() + "/snapshot.sh"
	if err := os.WriteFile(snap, []byte("export FOO=bar\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.WithSnapshot(snap)
	args := e.maybeWrapWithSnapshot([]string{"-lc"}, "echo $FOO")
	if len(args) != 2 || args[0] != "-c" || !strings.Contains(args[1], "echo $FOO") {
		t.Fatalf("expected rewritten -c form, got %v", args)
	}

	argsOther := e.maybeWrapWithSnapshot([]string{"-c"}, "echo hi")
	if len(argsOther) != 2 || argsOther[0] != "-c" || argsOther[1] != "echo hi" {
		t.Fatalf("expected untouched -c form, got %v", argsOther)
	}
}
