// Package plugin adapts an externally-supplied group driver running as a
// subprocess, per spec §4.9: github.com/hashicorp/go-plugin manages the
// subprocess handshake, health-check and graceful kill, and the RPC
// surface between core and subprocess is plain net/rpc using
// github.com/powerman/rpc-codec's JSON-RPC2 codec (chosen over gRPC:
// wiring gRPC correctly needs protoc-generated stubs, which cannot be
// hand-authored safely here; see DESIGN.md).
package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	hclog "github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	jsonrpc2 "github.com/powerman/rpc-codec/jsonrpc2"

	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/node"
)

// Handshake is the go-plugin handshake both core and driver subprocess
// must agree on.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SHEEPCORE_DRIVER",
	MagicCookieValue: "group-driver",
}

// GroupDriverPlugin is the go-plugin Plugin implementation exposing a
// group driver's RPC surface over net/rpc.
type GroupDriverPlugin struct {
	Impl driver.Driver
}

// Server returns the RPC server side; core never runs this (only a
// reference driver subprocess implementation would).
func (p *GroupDriverPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

// Client returns the RPC client side the core uses to call into the
// subprocess.
func (p *GroupDriverPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// rpcArgs/rpcResult are the plain structs passed over JSON-RPC2; net/rpc
// requires concrete argument/reply types per method.
type initArgs struct {
	ClusterName string
	LocalAddr   string
	Bootstrap   []string
}

type joinArgs struct {
	Self   node.Node
	Opaque []byte
}

type bytesArgs struct {
	Payload []byte
}

type emptyReply struct{}

// rpcServer runs inside the driver subprocess; it is exported here as the
// reference shape a subprocess implementation exposes, but the core
// process never instantiates it directly.
type rpcServer struct {
	impl driver.Driver
}

func (s *rpcServer) Init(args *initArgs, _ *emptyReply) error {
	return s.impl.Init(context.Background(), driver.Options{
		ClusterName: args.ClusterName,
		LocalAddr:   args.LocalAddr,
		Bootstrap:   args.Bootstrap,
	})
}

func (s *rpcServer) Join(args *joinArgs, _ *emptyReply) error {
	return s.impl.Join(context.Background(), args.Self, args.Opaque)
}

func (s *rpcServer) Leave(_ *emptyReply, _ *emptyReply) error {
	return s.impl.Leave(context.Background())
}

func (s *rpcServer) Notify(args *bytesArgs, _ *emptyReply) error {
	return s.impl.Notify(context.Background(), args.Payload)
}

func (s *rpcServer) Block(args *bytesArgs, _ *emptyReply) error {
	return s.impl.Block(context.Background(), args.Payload)
}

func (s *rpcServer) Unblock(args *bytesArgs, _ *emptyReply) error {
	return s.impl.Unblock(context.Background(), args.Payload)
}

// rpcClient runs in the core process and satisfies driver.Driver by
// forwarding every call over net/rpc to the subprocess.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Init(ctx context.Context, opts driver.Options) error {
	return c.client.Call("Plugin.Init", &initArgs{
		ClusterName: opts.ClusterName,
		LocalAddr:   opts.LocalAddr,
		Bootstrap:   opts.Bootstrap,
	}, &emptyReply{})
}

func (c *rpcClient) Join(ctx context.Context, self node.Node, opaque []byte) error {
	return c.client.Call("Plugin.Join", &joinArgs{Self: self, Opaque: opaque}, &emptyReply{})
}

func (c *rpcClient) Leave(ctx context.Context) error {
	return c.client.Call("Plugin.Leave", &emptyReply{}, &emptyReply{})
}

func (c *rpcClient) Notify(ctx context.Context, payload []byte) error {
	return c.client.Call("Plugin.Notify", &bytesArgs{Payload: payload}, &emptyReply{})
}

func (c *rpcClient) Block(ctx context.Context, payload []byte) error {
	return c.client.Call("Plugin.Block", &bytesArgs{Payload: payload}, &emptyReply{})
}

func (c *rpcClient) Unblock(ctx context.Context, payload []byte) error {
	return c.client.Call("Plugin.Unblock", &bytesArgs{Payload: payload}, &emptyReply{})
}

func (c *rpcClient) Close() error {
	return c.client.Close()
}

// Launch starts the driver subprocess at binaryPath and returns a
// driver.Driver forwarding to it over JSON-RPC2, along with a closer that
// terminates the subprocess.
func Launch(binaryPath string, logger hclog.Logger) (driver.Driver, func(), error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"group_driver": &GroupDriverPlugin{},
		},
		Cmd:    exec.Command(binaryPath),
		Logger: logger,
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClientConn, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin: connect to driver subprocess: %w", err)
	}

	raw, err := rpcClientConn.Dispense("group_driver")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin: dispense group_driver: %w", err)
	}

	d, ok := raw.(driver.Driver)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin: dispensed value is not a driver.Driver")
	}

	return d, client.Kill, nil
}

// DialJSONRPC2 connects directly to a driver subprocess that speaks plain
// JSON-RPC2 over a known unix socket rather than negotiating go-plugin's
// handshake — the simpler path for a driver subprocess not written in Go,
// which cannot link go-plugin's handshake/broker machinery but can still
// speak net/rpc framed as JSON-RPC2.
func DialJSONRPC2(network, address string) (driver.Driver, error) {
	client, err := jsonrpc2.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("plugin: dial driver subprocess at %s: %w", address, err)
	}
	return &rpcClient{client: client}, nil
}
