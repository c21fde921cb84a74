// Command kiwictl is a thin debug CLI over kiwid's JSON-RPC endpoint:
// it has no logic of its own beyond marshaling a request and printing
// the response, the way a caller would from any other language. It
// exists because the teacher always ships a cmd/ entry point next to
// its server, not because the dispatcher needs a dedicated client.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Addr string `help:"kiwid HTTP front-end address." default:"http://127.0.0.1:8765"`

	Search  SearchCmd  `cmd:"" help:"Search items by keyword."`
	Load    LoadCmd    `cmd:"" help:"Load one item by id."`
	Execute ExecuteCmd `cmd:"" help:"Execute a tool or directive."`
	Help    HelpCmd    `cmd:"" help:"Show help text for a topic."`

	Spawn  SpawnCmd  `cmd:"" help:"Spawn a root directive thread."`
	Status StatusCmd `cmd:"" help:"Show a thread's status record."`
	List   ListCmd   `cmd:"" help:"List every known thread."`
	Cancel CancelCmd `cmd:"" help:"Cancel a running thread."`
	Wait   WaitCmd   `cmd:"" help:"Block until a thread reaches a terminal status."`
}

type SearchCmd struct {
	Query string `arg:""`
	Type  string `help:"Restrict to one item type (tool, directive, knowledge)."`
}

func (c *SearchCmd) Run(cli *CLI) error {
	return call(cli.Addr, "search", map[string]any{"query": c.Query, "item_type": c.Type})
}

type LoadCmd struct {
	ID     string `arg:""`
	Type   string `help:"Item type (tool, directive, knowledge)."`
	Source string `help:"Restrict resolution to one tier (project, user, package)."`
}

func (c *LoadCmd) Run(cli *CLI) error {
	return call(cli.Addr, "load", map[string]any{"item_id": c.ID, "item_type": c.Type, "source": c.Source})
}

type ExecuteCmd struct {
	Type  string `arg:"" help:"Item type: tool or directive."`
	Op    string `arg:"" help:"Action: run, create, update, sign."`
	ID    string `arg:""`
	Args  string `help:"JSON-encoded parameter map." default:"{}"`
	Token string `help:"Capability token, passed through parameters._auth (required for tool run)."`
}

func (c *ExecuteCmd) Run(cli *CLI) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(c.Args), &params); err != nil {
		return fmt.Errorf("--args: %w", err)
	}
	if c.Token != "" {
		params["_auth"] = c.Token
	}
	return call(cli.Addr, "execute", map[string]any{
		"item_type": c.Type, "action": c.Op, "item_id": c.ID, "parameters": params,
	})
}

type HelpCmd struct {
	Topic string `arg:"" optional:""`
}

func (c *HelpCmd) Run(cli *CLI) error {
	return call(cli.Addr, "help", map[string]any{"topic": c.Topic})
}

type SpawnCmd struct {
	DirectiveID  string   `arg:""`
	Inputs       string   `help:"JSON-encoded input map." default:"{}"`
	Capabilities []string `help:"Capabilities granted to the root thread."`
}

func (c *SpawnCmd) Run(cli *CLI) error {
	var inputs map[string]any
	if err := json.Unmarshal([]byte(c.Inputs), &inputs); err != nil {
		return fmt.Errorf("--inputs: %w", err)
	}
	return call(cli.Addr, "thread.spawn", map[string]any{
		"directive_id": c.DirectiveID, "inputs": inputs, "capabilities": c.Capabilities,
	})
}

type StatusCmd struct {
	ThreadID string `arg:""`
}

func (c *StatusCmd) Run(cli *CLI) error {
	return call(cli.Addr, "thread.status", map[string]any{"thread_id": c.ThreadID})
}

type ListCmd struct{}

func (c *ListCmd) Run(cli *CLI) error {
	return call(cli.Addr, "thread.list", map[string]any{})
}

type CancelCmd struct {
	ThreadID string `arg:""`
}

func (c *CancelCmd) Run(cli *CLI) error {
	return call(cli.Addr, "thread.cancel", map[string]any{"thread_id": c.ThreadID})
}

type WaitCmd struct {
	ThreadID string `arg:""`
}

func (c *WaitCmd) Run(cli *CLI) error {
	return call(cli.Addr, "thread.wait", map[string]any{"thread_id": c.ThreadID})
}

func call(addr, method string, params map[string]any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  json.RawMessage(rawParams),
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(addr+"/rpc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("kiwictl: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("kiwictl"),
		kong.Description("Thin debug client for kiwid's JSON-RPC endpoint"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "kiwictl:", err)
		os.Exit(1)
	}
}
