// Package custom implements the user-extensible backend: a template's
// render reference names a Starlark script declaring apply(ctx),
// revert(handle) and status(handle). The script runs in a sandboxed thread
// with a hard timeout; a script that hangs or omits a hook fails loudly
// instead of pretending the fault was injected.
package custom

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/faultline/faultline/pkg/engine"
)

const (
	applyHook  = "apply"
	revertHook = "revert"
	statusHook = "status"

	// handleSeparator joins the script path and the script-issued id into
	// one opaque handle, so revert and status survive a process restart.
	handleSeparator = "#"
)

// Adapter is the Starlark-scripted backend adapter.
type Adapter struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a custom adapter. A zero timeout defaults to 30 seconds per
// hook invocation.
func New(timeout time.Duration, logger zerolog.Logger) *Adapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		timeout: timeout,
		logger:  logger.With().Str("component", "custom-adapter").Logger(),
	}
}

// Kind implements engine.BackendAdapter.
func (a *Adapter) Kind() engine.BackendKind { return engine.BackendCustom }

// binding is what Render packs into the artifact: the script location plus
// the context dict the apply hook receives.
type binding struct {
	ScriptPath string                 `json:"script_path"`
	Context    map[string]interface{} `json:"context"`
}

// Render loads the script, checks that it executes and declares all three
// hooks, and binds the request context. Script defects surface here, not at
// apply time.
func (a *Adapter) Render(ctx context.Context, tmpl *engine.FaultTemplate, req *engine.FaultRequest) (*engine.Artifact, error) {
	renderErr := func(msg string, err error) error {
		return engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodeRenderFailed).
			WithTemplate(tmpl.ID)
	}

	src, err := os.ReadFile(tmpl.Render.Path)
	if err != nil {
		return nil, renderErr(fmt.Sprintf("cannot read script %s", tmpl.Render.Path), err)
	}

	globals, err := a.exec(ctx, tmpl.Render.Path, string(src))
	if err != nil {
		return nil, renderErr(fmt.Sprintf("script %s does not execute", tmpl.Render.Path), err)
	}
	for _, hook := range []string{applyHook, revertHook, statusHook} {
		fn, ok := globals[hook]
		if !ok {
			return nil, renderErr(fmt.Sprintf("script %s does not declare %s()", tmpl.Render.Path, hook), nil)
		}
		if _, ok := fn.(starlark.Callable); !ok {
			return nil, renderErr(fmt.Sprintf("script %s: %s is not callable", tmpl.Render.Path, hook), nil)
		}
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	b := binding{
		ScriptPath: tmpl.Render.Path,
		Context: map[string]interface{}{
			"name":      req.Metadata.Name,
			"namespace": req.Metadata.Namespace,
			"targets":   toInterfaceSlice(req.Selector.Pods),
			"params":    params,
		},
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, renderErr("cannot encode script binding", err)
	}

	return &engine.Artifact{
		Backend:     engine.BackendCustom,
		ContentType: "application/json",
		Data:        data,
		Metadata:    map[string]string{"script": tmpl.Render.Path},
	}, nil
}

// Apply calls the script's apply hook with the bound context. The hook must
// return a non-empty string id; the handle prefixes it with the script path
// so later revert and status calls can find the script again.
func (a *Adapter) Apply(ctx context.Context, artifact *engine.Artifact) (engine.BackendHandle, error) {
	var b binding
	if err := json.Unmarshal(artifact.Data, &b); err != nil {
		return "", engine.NewPermanentError("artifact does not carry a script binding", err).
			WithCode(engine.ErrCodeInternal).
			WithOperation("apply")
	}

	result, err := a.callHook(ctx, b.ScriptPath, applyHook, b.Context)
	if err != nil {
		return "", engine.NewPermanentError("apply hook failed", err).
			WithCode(engine.ErrCodeApplyFailed).
			WithOperation("apply")
	}

	id, ok := result.(string)
	if !ok || id == "" {
		return "", engine.NewPermanentError(
			fmt.Sprintf("apply hook must return a non-empty string id, got %T", result), nil).
			WithCode(engine.ErrCodeApplyRejected).
			WithOperation("apply")
	}

	a.logger.Info().Str("script", b.ScriptPath).Str("id", id).Msg("script applied fault")
	return engine.BackendHandle(b.ScriptPath + handleSeparator + id), nil
}

// Revert calls the revert hook with the script-issued id. A hook returning
// False reports the fault was already gone; both outcomes are success,
// keeping revert idempotent.
func (a *Adapter) Revert(ctx context.Context, handle engine.BackendHandle) (*engine.RevertResult, error) {
	scriptPath, id, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}

	result, err := a.callHook(ctx, scriptPath, revertHook, id)
	if err != nil {
		return nil, engine.NewPermanentError("revert hook failed", err).
			WithCode(engine.ErrCodeRevertFailed).
			WithOperation("revert")
	}

	if done, ok := result.(bool); ok && !done {
		return &engine.RevertResult{
			Reverted:    true,
			AlreadyGone: true,
			Message:     "script reports fault already gone",
		}, nil
	}
	return &engine.RevertResult{Reverted: true}, nil
}

// Status calls the status hook, which must return one of "running",
// "completed" or "gone". Anything else maps to UNKNOWN.
func (a *Adapter) Status(ctx context.Context, handle engine.BackendHandle) (engine.BackendStatus, error) {
	scriptPath, id, err := splitHandle(handle)
	if err != nil {
		return engine.BackendStatusUnknown, err
	}

	result, err := a.callHook(ctx, scriptPath, statusHook, id)
	if err != nil {
		return engine.BackendStatusUnknown, engine.NewTransientError("status hook failed", err).
			WithOperation("status")
	}

	s, _ := result.(string)
	switch strings.ToLower(s) {
	case "running":
		return engine.BackendStatusRunning, nil
	case "completed":
		return engine.BackendStatusCompleted, nil
	case "gone":
		return engine.BackendStatusGone, nil
	default:
		return engine.BackendStatusUnknown, nil
	}
}

// callHook re-reads and executes the script, then invokes the named hook
// with the given argument. Scripts are small; re-execution keeps hook calls
// hermetic and survives restarts without adapter state.
func (a *Adapter) callHook(ctx context.Context, scriptPath, hook string, arg interface{}) (interface{}, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read script %s: %w", scriptPath, err)
	}

	type hookResult struct {
		value interface{}
		err   error
	}
	ch := make(chan hookResult, 1)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "faultline-" + hook,
		Print: func(_ *starlark.Thread, msg string) {
			a.logger.Debug().Str("script", scriptPath).Msg(msg)
		},
	}
	go func() {
		value, err := a.invoke(thread, scriptPath, string(src), hook, arg)
		ch <- hookResult{value, err}
	}()

	select {
	case <-callCtx.Done():
		thread.Cancel("hook timeout")
		<-ch
		return nil, fmt.Errorf("%s hook timed out after %v", hook, a.timeout)
	case res := <-ch:
		return res.value, res.err
	}
}

func (a *Adapter) invoke(thread *starlark.Thread, scriptPath, src, hook string, arg interface{}) (interface{}, error) {
	globals, err := starlark.ExecFile(thread, scriptPath, src, nil)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	fn, ok := globals[hook]
	if !ok {
		return nil, fmt.Errorf("script does not declare %s()", hook)
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s is not callable", hook)
	}

	starArg, err := toStarlarkValue(arg)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %s argument: %w", hook, err)
	}

	result, err := starlark.Call(thread, callable, starlark.Tuple{starArg}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s() failed: %w", hook, err)
	}
	return fromStarlarkValue(result)
}

// exec runs the script once with a timeout, for hook discovery at render
// time.
func (a *Adapter) exec(ctx context.Context, scriptPath, src string) (starlark.StringDict, error) {
	type execResult struct {
		globals starlark.StringDict
		err     error
	}
	ch := make(chan execResult, 1)

	execCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "faultline-exec",
		Print: func(_ *starlark.Thread, msg string) {},
	}
	go func() {
		globals, err := starlark.ExecFile(thread, scriptPath, src, nil)
		ch <- execResult{globals, err}
	}()

	select {
	case <-execCtx.Done():
		thread.Cancel("execution timeout")
		<-ch
		return nil, fmt.Errorf("script execution timed out after %v", a.timeout)
	case res := <-ch:
		return res.globals, res.err
	}
}

func splitHandle(handle engine.BackendHandle) (scriptPath, id string, err error) {
	parts := strings.SplitN(string(handle), handleSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", engine.NewPermanentError(
			fmt.Sprintf("malformed handle %q, want script%sid", handle, handleSeparator), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return parts[0], parts[1], nil
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
