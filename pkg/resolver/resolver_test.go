package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/item"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolve_ProjectWinsOverUser(t *testing.T) {
	project := t.TempDir()
	userSpace := t.TempDir()
	pkgRoot := t.TempDir()

	writeFile(t, filepath.Join(project, "directives", "deploy.md"), "project version")
	writeFile(t, filepath.Join(userSpace, "directives", "deploy.md"), "user version")

	r := New(Roots{ProjectDir: project, UserSpace: userSpace, PackageRoot: pkgRoot})
	res, err := r.Resolve("deploy", item.TypeDirective, "")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, item.SourceProject, res.Source)
	require.Contains(t, res.Path, project)
}

func TestResolve_FallsThroughToPackage(t *testing.T) {
	project := t.TempDir()
	userSpace := t.TempDir()
	pkgRoot := t.TempDir()

	writeFile(t, filepath.Join(pkgRoot, "tools", "echo.yaml"), "tool_id: echo")

	r := New(Roots{ProjectDir: project, UserSpace: userSpace, PackageRoot: pkgRoot})
	res, err := r.Resolve("echo", item.TypeTool, "")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, item.SourcePackage, res.Source)
}

func TestResolve_NotFoundIsNotAnError(t *testing.T) {
	r := New(Roots{ProjectDir: t.TempDir(), UserSpace: t.TempDir(), PackageRoot: t.TempDir()})
	res, err := r.Resolve("missing", item.TypeKnowledge, "")
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestResolve_AmbiguousWithinOneLocation(t *testing.T) {
	project := t.TempDir()

	writeFile(t, filepath.Join(project, "knowledges", "a", "notes.md"), "x")
	writeFile(t, filepath.Join(project, "knowledges", "b", "notes.md"), "y")

	r := New(Roots{ProjectDir: project, UserSpace: t.TempDir(), PackageRoot: t.TempDir()})
	res, err := r.Resolve("notes", item.TypeKnowledge, "")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.True(t, res.Ambiguous)
	require.Len(t, res.Candidates, 2)

	expected := filepath.Join(project, "knowledges", "a", "notes.md")
	require.Equal(t, expected, res.Path)
}

func TestResolve_Deterministic(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "tools", "sub", "echo.yaml"), "tool_id: echo")

	r := New(Roots{ProjectDir: project, UserSpace: t.TempDir(), PackageRoot: t.TempDir()})
	first, err := r.Resolve("echo", item.TypeTool, "")
	require.NoError(t, err)
	second, err := r.Resolve("echo", item.TypeTool, "")
	require.NoError(t, err)
	require.Equal(t, first.Path, second.Path)
}

func TestResolve_LocationNarrows(t *testing.T) {
	project := t.TempDir()
	userSpace := t.TempDir()
	writeFile(t, filepath.Join(project, "directives", "d.md"), "project")
	writeFile(t, filepath.Join(userSpace, "directives", "d.md"), "user")

	r := New(Roots{ProjectDir: project, UserSpace: userSpace, PackageRoot: t.TempDir()})
	res, err := r.Resolve("d", item.TypeDirective, item.SourceUser)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, item.SourceUser, res.Source)
}

func TestResolve_ToolDirectoryManifest(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "tools", "mytool", "tool.yaml"), "tool_id: mytool")
	writeFile(t, filepath.Join(project, "tools", "mytool", "main.py"), "print(1)")

	r := New(Roots{ProjectDir: project, UserSpace: t.TempDir(), PackageRoot: t.TempDir()})
	res, err := r.Resolve("mytool", item.TypeTool, "")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, filepath.Join(project, "tools", "mytool"), res.Path)
}
