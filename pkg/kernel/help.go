package kernel

import (
	"fmt"
	"sort"
	"strings"
)

// helpTopics is the fixed set of static help text the kernel serves for
// its own meta-operations — not a documentation system for arbitrary
// directives/tools, which describe themselves via their own manifests.
var helpTopics = map[string]string{
	"search": `search(item_type, query, source?, filters, limit) -> results[]
Finds directives, tools, or knowledge entries by id substring (directive,
tool) or semantic similarity (knowledge). source restricts the search to
one of "project", "user", "package"; omit to search all three in that
priority order.`,

	"load": `load(item_type, item_id, source?, destination?) -> item|error
Resolves and parses a single item by exact id. destination, if given,
additionally copies the resolved artifact into that tier so it can be
edited locally without losing the original.`,

	"execute": `execute(item_type, action, item_id, parameters, project_path?) -> result
action is one of "run", "create", "update", "sign". Running a tool
resolves its executor chain to a primitive, verifies integrity, checks
the caller's capability token, and dispatches the call. Running a
directive returns its parsed fields without spawning a worker.`,

	"capabilities": `Capability tokens are short-lived bearer tokens scoped to a single
thread, minted from a directive's declared <permissions> block. Core
directives may request any capability; non-core directives are confined
to the project sandbox and the shell command allow-list.`,

	"chains": `A tool's executor field, if non-null, names the next tool to invoke
it through, down to a terminal primitive (subprocess or http). Config
merges right-biased along the chain: a closer-to-primitive link's keys
win over an ancestor's on collision.`,
}

// Help implements help(topic) → text (spec.md §4.11).
func (k *Kernel) Help(topic string) (string, *Error) {
	if topic == "" {
		return k.helpIndex(), nil
	}
	text, ok := helpTopics[strings.ToLower(topic)]
	if !ok {
		return "", newError(KindNotFound, fmt.Sprintf("no help topic %q", topic)).
			withHint(fmt.Sprintf("available topics: %s", strings.Join(k.topicNames(), ", ")))
	}
	return text, nil
}

func (k *Kernel) helpIndex() string {
	var b strings.Builder
	b.WriteString("Available help topics:\n")
	for _, name := range k.topicNames() {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return b.String()
}

func (k *Kernel) topicNames() []string {
	names := make([]string, 0, len(helpTopics))
	for name := range helpTopics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
