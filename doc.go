// Package kiwi is a dumb kernel + data-driven tool execution runtime for AI
// agents.
//
// The host process exposes four fixed meta-operations — search, load,
// execute, help — over a request/response protocol (see pkg/kernel).
// Everything else is data resolved at call time: directives (workflow
// scripts, pkg/directive), tools (executable definitions whose executor
// chains terminate at a primitive, pkg/tool + pkg/chain), knowledge
// (reference content, pkg/knowledge), and the two primitive executors
// (subprocess spawning and HTTP streaming, pkg/primitive/...).
//
// # Architecture
//
// A request to execute a tool flows:
//
//	transport.Dispatch -> kernel.Execute ->
//	chain.Resolve (manifest.Load -> resolver.Resolve, every link) ->
//	integrity.Verify (every link) -> capability.Validate ->
//	subprocess.Run | httpexec.Run -> sink.FanOut
//
// A request to execute a directive returns the parsed directive; spawning
// a worker to run it is itself an explicit tool call ("spawn-thread"),
// handled by pkg/harness. The capability token is minted inside the
// spawned worker, after the directive and its permissions are loaded, not
// by the caller — see DESIGN.md for why this ordering was chosen over the
// alternatives the source material left ambiguous.
//
// # Using as a Go library
//
//	import "github.com/kiwi-run/kiwi/pkg/kernel"
//
//	k, err := kernel.New(kernel.Config{UserSpace: "~/.ai"}, authStore)
//	resp, err := k.Execute(ctx, kernel.ExecuteRequest{ItemType: item.TypeTool, Action: "run", ItemID: "weather"})
package kiwi
