// Package kube stores the synced guild structure in a cluster ConfigMap.
// It shells out to kubectl; cluster provisioning and kubeconfig handling
// stay outside this package.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

const documentKey = "document"

// Runner executes kubectl invocations. Tests swap it for a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ShellRunner runs the real kubectl binary.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "kubectl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("kubectl %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Adapter keeps the entity table in a ConfigMap, loaded lazily on first use
// and written back after every applied operation.
type Adapter struct {
	runner    Runner
	context   string // kubeconfig context; empty for the local cluster
	namespace string
	configMap string
	state     *target.DocState
}

// NewLocal targets the current (local) cluster context.
func NewLocal(namespace, configMap string) *Adapter {
	return &Adapter{runner: ShellRunner{}, namespace: namespace, configMap: configMap}
}

// NewRemote targets a named kubeconfig context.
func NewRemote(kubeContext, namespace, configMap string) *Adapter {
	a := NewLocal(namespace, configMap)
	a.context = kubeContext
	return a
}

// NewWithRunner wires a custom runner, used by tests.
func NewWithRunner(runner Runner, kubeContext, namespace, configMap string) *Adapter {
	return &Adapter{runner: runner, context: kubeContext, namespace: namespace, configMap: configMap}
}

// FetchSnapshot loads the ConfigMap document and returns its indexed view.
func (a *Adapter) FetchSnapshot(ctx context.Context) (*format.Snapshot, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a.state.Snapshot(), nil
}

// Supports reports true for every operation kind; the ConfigMap store has
// no structural limitations.
func (a *Adapter) Supports(_ diff.OperationKind) bool {
	return true
}

// Apply mutates the document state and persists it.
func (a *Adapter) Apply(ctx context.Context, op diff.Operation) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	if err := a.state.Apply(op); err != nil {
		return target.NewError("kube", op.TargetID, err, err.Error())
	}
	if err := a.save(ctx); err != nil {
		return target.NewError("kube", op.TargetID, target.ErrTransport, err.Error())
	}
	return nil
}

// Close drops the cached state; kubectl holds no persistent connection.
func (a *Adapter) Close() error {
	a.state = nil
	return nil
}

// load fetches the ConfigMap on first use. A missing ConfigMap starts an
// empty state; it is created on the first save.
func (a *Adapter) load(ctx context.Context) error {
	if a.state != nil {
		return nil
	}

	args := a.withContext("get", "configmap", a.configMap,
		"--namespace", a.namespace,
		"-o", fmt.Sprintf("jsonpath={.data.%s}", documentKey))
	output, err := a.runner.Run(ctx, args...)
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			a.state = target.NewDocState(nil)
			return nil
		}
		return target.NewError("kube", a.configMap, target.ErrTransport, err.Error())
	}

	if len(strings.TrimSpace(string(output))) == 0 {
		a.state = target.NewDocState(nil)
		return nil
	}
	doc, _, err := format.Parse(output, format.Options{Expected: format.FormatDump})
	if err != nil {
		return target.NewError("kube", a.configMap, target.ErrTransport,
			fmt.Sprintf("stored document is invalid: %v", err))
	}
	a.state = target.NewDocState(doc)
	return nil
}

// save writes the document back with a server-side apply style patch,
// creating the ConfigMap when needed.
func (a *Adapter) save(ctx context.Context) error {
	data, err := a.state.Document().Marshal()
	if err != nil {
		return err
	}
	patch, err := json.Marshal(map[string]any{
		"data": map[string]string{documentKey: string(data)},
	})
	if err != nil {
		return err
	}

	args := a.withContext("patch", "configmap", a.configMap,
		"--namespace", a.namespace,
		"--type", "merge",
		"-p", string(patch))
	if _, err := a.runner.Run(ctx, args...); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "NotFound") {
		return err
	}

	createArgs := a.withContext("create", "configmap", a.configMap,
		"--namespace", a.namespace,
		fmt.Sprintf("--from-literal=%s=%s", documentKey, string(data)))
	_, err = a.runner.Run(ctx, createArgs...)
	return err
}

func (a *Adapter) withContext(args ...string) []string {
	if a.context == "" {
		return args
	}
	return append([]string{"--context", a.context}, args...)
}
