package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/overseer/internal/security"
)

func TestCreateDefault(t *testing.T) {
	tmp := t.TempDir()
	m := NewManager(nil, WithTempDir(tmp))

	wc, err := m.Create(context.Background(), "", "wf-1", "exec-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !filepath.IsAbs(wc.Path) {
		t.Errorf("Path = %q, want absolute", wc.Path)
	}
	if _, err := os.Stat(wc.Path); err != nil {
		t.Errorf("workspace dir not created: %v", err)
	}

	resolvedTmp, _ := filepath.EvalSymlinks(tmp)
	wantParent := filepath.Join(resolvedTmp, DefaultNamespace, "wf-1")
	if filepath.Dir(wc.Path) != wantParent {
		t.Errorf("parent = %q, want %q", filepath.Dir(wc.Path), wantParent)
	}
	if wc.WorkflowID != "wf-1" || wc.ExecutionID != "exec-1" {
		t.Errorf("ids = %q/%q", wc.WorkflowID, wc.ExecutionID)
	}
	if wc.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestCreateCustomPath(t *testing.T) {
	base := t.TempDir()
	m := NewManager(nil)

	wc, err := m.Create(context.Background(), base, "wf", "exec")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resolvedBase, _ := filepath.EvalSymlinks(base)
	if filepath.Dir(wc.Path) != resolvedBase {
		t.Errorf("parent = %q, want %q", filepath.Dir(wc.Path), resolvedBase)
	}
	// uuid suffix: 36 chars.
	if len(filepath.Base(wc.Path)) != 36 {
		t.Errorf("suffix %q is not a uuid", filepath.Base(wc.Path))
	}
}

func TestCreateUniquePerRun(t *testing.T) {
	m := NewManager(nil, WithTempDir(t.TempDir()))
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		wc, err := m.Create(context.Background(), "", "wf", "exec")
		if err != nil {
			t.Fatal(err)
		}
		if seen[wc.Path] {
			t.Fatalf("duplicate workspace path %q", wc.Path)
		}
		seen[wc.Path] = true
	}
}

func TestCreateRefusesExistingDir(t *testing.T) {
	base := t.TempDir()
	m := NewManager(nil)
	m.suffix = func() string { return "fixed" }
	if err := os.Mkdir(filepath.Join(base, "fixed"), 0750); err != nil {
		t.Fatal(err)
	}

	_, err := m.Create(context.Background(), base, "wf", "exec")
	if !errors.Is(err, security.ErrWorkspaceCreationFailed) {
		t.Fatalf("err = %v, want ErrWorkspaceCreationFailed", err)
	}
}

func TestCreateRejectsRelativePath(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(context.Background(), "relative/dir", "wf", "exec")
	if !errors.Is(err, security.ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestCreateRejectsSensitivePath(t *testing.T) {
	m := NewManager(nil)
	for _, p := range []string{"/etc/foo", "/etc", "/root/work", "/proc/self", "/sys/x", "/dev/shm/x", "/boot/efi", "/var/run/docker.sock", "/run/user/0"} {
		t.Run(p, func(t *testing.T) {
			_, err := m.Create(context.Background(), p, "wf", "exec")
			if !errors.Is(err, security.ErrForbiddenPath) {
				t.Fatalf("err = %v, want ErrForbiddenPath", err)
			}
		})
	}
}

func TestValidateCustomPathSegmentBoundary(t *testing.T) {
	if err := ValidateCustomPath("/etcetera/work"); err != nil {
		t.Errorf("ValidateCustomPath(/etcetera/work) = %v, want nil", err)
	}
	if err := ValidateCustomPath("/etc/../etc/passwd"); !errors.Is(err, security.ErrForbiddenPath) {
		t.Errorf("cleaned traversal not rejected: %v", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	m := NewManager(nil, WithTempDir(t.TempDir()))
	wc, err := m.Create(context.Background(), "", "wf", "exec")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wc.Path, "out.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	m.Destroy(context.Background(), wc)
	if _, err := os.Stat(wc.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists after Destroy: %v", err)
	}
	if !wc.Destroyed() {
		t.Error("Destroyed() = false after Destroy")
	}

	// Second call must not panic or error.
	m.Destroy(context.Background(), wc)
	m.Destroy(context.Background(), nil)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
		if strings.Contains(got, "/") {
			t.Errorf("sanitizeName(%q) kept a separator", tc.input)
		}
	}
}

func TestCheckWritable(t *testing.T) {
	tmp := t.TempDir()
	m := NewManager(nil, WithTempDir(tmp))
	if err := m.CheckWritable(context.Background()); err != nil {
		t.Fatalf("CheckWritable: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(tmp, DefaultNamespace))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("readiness probe left %d entries behind", len(entries))
	}

	blocker := filepath.Join(tmp, "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	bad := NewManager(nil, WithTempDir(blocker))
	if err := bad.CheckWritable(context.Background()); !errors.Is(err, security.ErrWorkspaceCreationFailed) {
		t.Errorf("err = %v, want ErrWorkspaceCreationFailed", err)
	}
}
