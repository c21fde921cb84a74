package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/resolver"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const primitiveToolYAML = `
tool_id: subprocess_exec
tool_type: primitive
version: "1.0"
config:
  kind: subprocess
`

const directiveMD = `# Deploy

<directive>
  <name>deploy_staging</name>
  <version>1.0</version>
  <description>Deploys to staging</description>
  <permissions>
    <exec>
      <command>kubectl</command>
    </exec>
  </permissions>
</directive>
`

const knowledgeMD = `---
zettel_id: kn-001
title: Retry budgets
entry_type: concept
---
Body text.
`

func newLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	pkgRoot := t.TempDir()
	r := resolver.New(resolver.Roots{PackageRoot: pkgRoot})
	return New(r), pkgRoot
}

func TestLoad_Tool(t *testing.T) {
	l, root := newLoader(t)
	writeFile(t, filepath.Join(root, "tools", "subprocess_exec.yaml"), primitiveToolYAML)

	m, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)
	require.Equal(t, item.TypeTool, m.Kind)
	require.NotNil(t, m.Tool)
	require.Equal(t, "subprocess_exec", m.Tool.ToolID)
}

func TestLoad_Directive(t *testing.T) {
	l, root := newLoader(t)
	writeFile(t, filepath.Join(root, "directives", "deploy_staging.md"), directiveMD)

	m, err := l.Load("deploy_staging", item.TypeDirective, "")
	require.NoError(t, err)
	require.NotNil(t, m.Directive)
	require.Equal(t, "deploy_staging", m.Directive.Name)
}

func TestLoad_Knowledge(t *testing.T) {
	l, root := newLoader(t)
	writeFile(t, filepath.Join(root, "knowledges", "kn-001.md"), knowledgeMD)

	m, err := l.Load("kn-001", item.TypeKnowledge, "")
	require.NoError(t, err)
	require.NotNil(t, m.Knowledge)
	require.Equal(t, "Retry budgets", m.Knowledge.Title)
}

func TestLoad_NotFound(t *testing.T) {
	l, _ := newLoader(t)
	_, err := l.Load("missing", item.TypeTool, "")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestLoad_CachesUntilMtimeChanges(t *testing.T) {
	l, root := newLoader(t)
	path := filepath.Join(root, "tools", "subprocess_exec.yaml")
	writeFile(t, path, primitiveToolYAML)

	first, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)

	second, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)
	require.Same(t, first, second)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	third, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)
	require.NotSame(t, first, third)
}

func TestLoadTool_SatisfiesChainLoader(t *testing.T) {
	l, root := newLoader(t)
	writeFile(t, filepath.Join(root, "tools", "subprocess_exec.yaml"), primitiveToolYAML)

	m, err := l.LoadTool("subprocess_exec")
	require.NoError(t, err)
	require.Equal(t, "subprocess_exec", m.ToolID)
}

func TestInvalidate_ForcesReparse(t *testing.T) {
	l, root := newLoader(t)
	path := filepath.Join(root, "tools", "subprocess_exec.yaml")
	writeFile(t, path, primitiveToolYAML)

	first, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)

	l.Invalidate("subprocess_exec", item.TypeTool)

	second, err := l.Load("subprocess_exec", item.TypeTool, "")
	require.NoError(t, err)
	require.NotSame(t, first, second)
}
