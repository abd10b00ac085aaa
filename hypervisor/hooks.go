package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

type (
	HookName string
	HookList []Hook
	Hooks    map[HookName]HookList
)

// Hook runs at a lifecycle phase of the hypervisor with its current state.
type Hook interface {
	Run(ctx context.Context, st *specs.State) error
}

const (
	PreStart  HookName = "preStart"
	PostStart HookName = "postStart"
	PostStop  HookName = "postStop"
)

func KnownHookNames() []string {
	return []string{
		string(PreStart),
		string(PostStart),
		string(PostStop),
	}
}

func (hooks Hooks) Register(name HookName, hook Hook) error {
	if !slices.Contains(KnownHookNames(), string(name)) {
		return fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	hooks[name] = append(hooks[name], hook)
	return nil
}

func (hooks Hooks) Run(ctx context.Context, name HookName, state *specs.State) error {
	for i, hook := range hooks[name] {
		if err := hook.Run(ctx, state); err != nil {
			return fmt.Errorf("error running %s hook #%d: %w", name, i, err)
		}
	}
	return nil
}

// CommandHook executes an OCI hook: the program at Path gets the state as
// JSON on its standard input.
type CommandHook specs.Hook

func (h CommandHook) Run(ctx context.Context, st *specs.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if h.Timeout != nil {
		if *h.Timeout <= 0 {
			return fmt.Errorf("hook %s: invalid timeout %d", h.Path, *h.Timeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*h.Timeout)*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, h.Path)
	if len(h.Args) > 0 {
		cmd.Args = h.Args
	}
	cmd.Env = h.Env
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("hook %s: %w", h.Path, ctx.Err())
		}
		return fmt.Errorf("hook %s: %w, stderr: %s", h.Path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, st *specs.State) error

func (f HookFunc) Run(ctx context.Context, st *specs.State) error { return f(ctx, st) }
