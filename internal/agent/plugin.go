package agent

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-plugin"
	"go.uber.org/zap"
)

// Handshake is the agent plugin handshake config.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "XMPPGATE_AGENT",
	MagicCookieValue: "xmppgate",
}

// PluginMap is the plugin type map shared by host and plugins.
var PluginMap = map[string]plugin.Plugin{
	"agent": &RuntimePlugin{},
}

// RPCRequest is the wire form of an agent turn. The plugin protocol is
// single-shot: one request, one reply.
type RPCRequest struct {
	Request Request
}

// RPCResponse carries the agent's reply text.
type RPCResponse struct {
	Text string
}

// PluginRuntime runs an external agent binary over go-plugin and exposes
// it as a Runtime.
type PluginRuntime struct {
	mu     sync.Mutex
	path   string
	log    *zap.Logger
	client *plugin.Client
	remote Runtime
}

// NewPluginRuntime starts the agent binary at path. The returned runtime
// must be closed with Close.
func NewPluginRuntime(path string, log *zap.Logger) (*PluginRuntime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PluginRuntime{path: path, log: log}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PluginRuntime) start() error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(p.path),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to agent plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("agent")
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense agent plugin: %w", err)
	}

	p.client = client
	p.remote = raw.(Runtime)
	p.log.Info("agent plugin started", zap.String("path", p.path))
	return nil
}

// Dispatch forwards the turn to the plugin, restarting it once if the
// process has exited.
func (p *PluginRuntime) Dispatch(ctx context.Context, req Request, deliver func(Reply) error) error {
	p.mu.Lock()
	if p.client == nil {
		p.mu.Unlock()
		return fmt.Errorf("agent plugin is closed")
	}
	if p.client.Exited() {
		p.log.Warn("agent plugin exited, restarting", zap.String("path", p.path))
		p.client.Kill()
		if err := p.start(); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	remote := p.remote
	p.mu.Unlock()

	return remote.Dispatch(ctx, req, deliver)
}

// Close stops the plugin process.
func (p *PluginRuntime) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Kill()
		p.client = nil
		p.remote = nil
	}
}

// RuntimePlugin is the go-plugin glue for agent runtimes. The host side
// dispenses an rpcRuntime; plugin binaries set Impl and call Serve.
type RuntimePlugin struct {
	Impl Runtime
}

func (p *RuntimePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *RuntimePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcRuntime{client: c}, nil
}

// Serve runs a Runtime as a plugin binary. Called from plugin main.
func Serve(r Runtime) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"agent": &RuntimePlugin{Impl: r},
		},
	})
}

type rpcRuntime struct {
	client *rpc.Client
}

func (r *rpcRuntime) Dispatch(ctx context.Context, req Request, deliver func(Reply) error) error {
	call := r.client.Go("Plugin.Handle", &RPCRequest{Request: req}, &RPCResponse{}, nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			return fmt.Errorf("agent plugin call failed: %w", done.Error)
		}
		resp := done.Reply.(*RPCResponse)
		return deliver(Reply{Text: resp.Text, Final: true})
	}
}

type rpcServer struct {
	impl Runtime
}

// Handle is the single RPC method. Chunked replies are joined because
// net/rpc has no server push; plugins that need streaming return the full
// turn at once.
func (s *rpcServer) Handle(req *RPCRequest, resp *RPCResponse) error {
	var out string
	err := s.impl.Dispatch(context.Background(), req.Request, func(r Reply) error {
		if out != "" && r.Text != "" {
			out += "\n"
		}
		out += r.Text
		return nil
	})
	if err != nil {
		return err
	}
	resp.Text = out
	return nil
}
