// Package pwregistry queries the PipeWire registry for live media nodes.
// The query is structured (typed records decoded from a `pw-dump` JSON
// dump), and the pure match function is separated from the side-effecting
// dump so each is independently testable.
package pwregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/xpoll"
)

// DefaultNodeNameHint is the fallback substring used to attribute a video
// node to the headless compositor when no explicit override is configured.
const DefaultNodeNameHint = "weston"

const (
	DefaultDiscoveryAttempts = 20
	DefaultDiscoveryInterval = 500 * time.Millisecond
)

type ErrNodeNotFound struct {
	NameHint string
	Err      error
}

var _ error = ErrNodeNotFound{}

func (e ErrNodeNotFound) Error() string {
	return fmt.Sprintf("no video node matching '%s' appeared in the PipeWire registry: %v", e.NameHint, e.Err)
}

func (e ErrNodeNotFound) Unwrap() error {
	return e.Err
}

// Node is one record of the registry dump.
type Node struct {
	ID         uint32
	MediaClass string
	Name       string
}

// CommandRunner abstracts running an external command and capturing its
// stdout, so tests can substitute a canned dump.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Registry struct {
	Runner CommandRunner
}

func New() *Registry {
	return &Registry{Runner: defaultRunner}
}

type dumpObject struct {
	ID   uint32 `json:"id"`
	Info struct {
		Props struct {
			MediaClass string `json:"media.class"`
			NodeName   string `json:"node.name"`
		} `json:"props"`
	} `json:"info"`
}

// Dump returns the current registry contents.
func (r *Registry) Dump(ctx context.Context) ([]Node, error) {
	out, err := r.Runner(ctx, "pw-dump")
	if err != nil {
		return nil, fmt.Errorf("unable to dump the PipeWire registry: %w", err)
	}

	var objs []dumpObject
	if err := json.Unmarshal(out, &objs); err != nil {
		return nil, fmt.Errorf("unable to parse the PipeWire registry dump: %w", err)
	}

	nodes := make([]Node, 0, len(objs))
	for _, obj := range objs {
		nodes = append(nodes, Node{
			ID:         obj.ID,
			MediaClass: obj.Info.Props.MediaClass,
			Name:       obj.Info.Props.NodeName,
		})
	}
	return nodes, nil
}

// FindVideoNode returns the first video-class node whose name contains
// nameHint.
func FindVideoNode(nodes []Node, nameHint string) (Node, bool) {
	for _, node := range nodes {
		if !strings.Contains(node.MediaClass, "Video") {
			continue
		}
		if !strings.Contains(node.Name, nameHint) {
			continue
		}
		return node, true
	}
	return Node{}, false
}

// WaitVideoNode polls the registry until a matching video node appears.
// A failing `pw-dump` is treated the same as an empty registry: the node
// may simply not exist yet.
func (r *Registry) WaitVideoNode(
	ctx context.Context,
	nameHint string,
	maxAttempts uint,
	interval time.Duration,
) (Node, error) {
	logger.Debugf(ctx, "looking for a video node matching '%s'", nameHint)

	node, err := xpoll.Until(ctx, maxAttempts, interval, func(ctx context.Context) (Node, bool, error) {
		nodes, err := r.Dump(ctx)
		if err != nil {
			logger.Debugf(ctx, "unable to query the registry (will retry): %v", err)
			return Node{}, false, nil
		}
		node, ok := FindVideoNode(nodes, nameHint)
		return node, ok, nil
	})
	if err != nil {
		return Node{}, ErrNodeNotFound{NameHint: nameHint, Err: err}
	}

	logger.Infof(ctx, "found the video node: id=%d name='%s'", node.ID, node.Name)
	return node, nil
}
