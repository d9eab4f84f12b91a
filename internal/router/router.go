// Package router dispatches downstream JSON-RPC requests to the correct
// upstream client, resolving public names via the capability registry and
// driving on-demand activation through the lifecycle manager.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcphub/mcphub/internal/config"
	"github.com/mcphub/mcphub/internal/huberr"
	"github.com/mcphub/mcphub/internal/lifecycle"
	"github.com/mcphub/mcphub/internal/registry"
	"github.com/mcphub/mcphub/internal/ssefanout"
	"github.com/mcphub/mcphub/internal/upstream"
	"github.com/mcphub/mcphub/pkg/mcp"
)

// ClientProvider resolves a server id to its live upstream client. Supplied
// by the hub facade so the router never depends on how clients are
// constructed or stored.
type ClientProvider func(serverID string) (*upstream.Client, bool)

// TimeoutsProvider resolves a server id to its configured call timeouts.
// A missing entry or a zero-valued field falls back to the package defaults.
type TimeoutsProvider func(serverID string) config.Timeouts

// ServerInfo is the hub's own identity, returned from initialize.
type ServerInfo struct {
	Name    string
	Version string
}

// Router handles the fixed set of downstream JSON-RPC methods the hub
// understands.
type Router struct {
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	fanout     *ssefanout.Fanout
	clientsOf  ClientProvider
	timeoutsOf TimeoutsProvider
	info       ServerInfo
}

// New creates a router. timeouts may be nil, in which case every call uses
// the package's default Call/MaxTotalTimeout.
func New(reg *registry.Registry, lc *lifecycle.Manager, fanout *ssefanout.Fanout, clients ClientProvider, timeouts TimeoutsProvider, info ServerInfo) *Router {
	return &Router{
		registry: reg, lifecycle: lc, fanout: fanout, clientsOf: clients, timeoutsOf: timeouts, info: info,
	}
}

func (r *Router) timeoutsFor(serverID string) config.Timeouts {
	var t config.Timeouts
	if r.timeoutsOf != nil {
		t = r.timeoutsOf(serverID)
	}
	if t.Call <= 0 {
		t.Call = config.DefaultCallTimeout
	}
	if t.MaxTotalTimeout <= 0 {
		t.MaxTotalTimeout = config.DefaultTotalTimeout
	}
	return t
}

// callContext bounds an upstream call by to.Call. If to.ResetTimeoutOnProgress
// is set, the returned reset func extends the deadline by another to.Call
// each time it is invoked, capped at to.MaxTotalTimeout measured from this
// call's start; otherwise reset is a no-op and the deadline is fixed.
func callContext(parent context.Context, to config.Timeouts) (ctx context.Context, reset func(), cancel func()) {
	if !to.ResetTimeoutOnProgress {
		ctx, cancel = context.WithTimeout(parent, to.Call)
		return ctx, func() {}, cancel
	}

	ctx, cancelFn := context.WithCancelCause(parent)
	start := time.Now()
	timer := time.AfterFunc(to.Call, func() { cancelFn(context.DeadlineExceeded) })

	var mu sync.Mutex
	reset = func() {
		mu.Lock()
		defer mu.Unlock()
		remaining := to.MaxTotalTimeout - time.Since(start)
		if remaining <= 0 {
			return
		}
		step := to.Call
		if remaining < step {
			step = remaining
		}
		timer.Reset(step)
	}
	cancel = func() {
		timer.Stop()
		cancelFn(nil)
	}
	return ctx, reset, cancel
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Handle processes one downstream JSON-RPC message and returns the response
// bytes to send back, or nil for a notification that draws no response.
func (r *Router) Handle(ctx context.Context, sessionID string, raw []byte) []byte {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return mcp.NewErrorResponse(nil, huberr.CodeParseError, "parse error", nil)
	}

	isNotification := len(env.ID) == 0

	var resp []byte
	switch env.Method {
	case "initialize":
		resp = r.handleInitialize(env.ID)
	case "notifications/initialized", "ping":
		if env.Method == "ping" && !isNotification {
			resp = mcp.NewResultResponse(env.ID, json.RawMessage(`{}`))
		}
	case "tools/list":
		resp = r.handleListTools(env.ID)
	case "resources/list":
		resp = r.handleListResources(env.ID)
	case "resources/templates/list":
		resp = mcp.NewResultResponse(env.ID, json.RawMessage(`{"resourceTemplates":[]}`))
	case "prompts/list":
		resp = r.handleListPrompts(env.ID)
	case "tools/call":
		resp = r.handleCall(ctx, sessionID, env.ID, env.Params, registry.KindTool)
	case "resources/read":
		resp = r.handleResourceRead(ctx, sessionID, env.ID, env.Params)
	case "prompts/get":
		resp = r.handleCall(ctx, sessionID, env.ID, env.Params, registry.KindPrompt)
	default:
		if isNotification {
			return nil
		}
		resp = mcp.NewErrorResponse(env.ID, huberr.CodeMethodNotFound, "method not found: "+env.Method, nil)
	}

	if isNotification {
		return nil
	}
	return resp
}

func (r *Router) handleInitialize(id json.RawMessage) []byte {
	tc, rc, pc := r.registry.Counts()
	result, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": "2025-06-18",
		"serverInfo":      map[string]string{"name": r.info.Name, "version": r.info.Version},
		"capabilities": map[string]interface{}{
			"tools":     boolCap(tc > 0),
			"resources": boolCap(rc > 0),
			"prompts":   boolCap(pc > 0),
		},
	})
	return mcp.NewResultResponse(id, result)
}

func boolCap(has bool) interface{} {
	if !has {
		return nil
	}
	return map[string]interface{}{"listChanged": true}
}

func (r *Router) handleListTools(id json.RawMessage) []byte {
	records := r.registry.ListTools()
	tools := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		tools = append(tools, renameDescriptor(rec.Descriptor, rec.PublicName))
	}
	result, _ := json.Marshal(map[string]interface{}{"tools": tools})
	return mcp.NewResultResponse(id, result)
}

func (r *Router) handleListPrompts(id json.RawMessage) []byte {
	records := r.registry.ListPrompts()
	prompts := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		prompts = append(prompts, renameDescriptor(rec.Descriptor, rec.PublicName))
	}
	result, _ := json.Marshal(map[string]interface{}{"prompts": prompts})
	return mcp.NewResultResponse(id, result)
}

func (r *Router) handleListResources(id json.RawMessage) []byte {
	records := r.registry.ListResources()
	resources := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		resources = append(resources, rec.Descriptor)
	}
	result, _ := json.Marshal(map[string]interface{}{"resources": resources})
	return mcp.NewResultResponse(id, result)
}

// renameDescriptor overlays "name": publicName onto a raw tool/prompt
// descriptor, preserving every other field the upstream returned.
func renameDescriptor(descriptor json.RawMessage, publicName string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(descriptor, &fields); err != nil {
		return descriptor
	}
	nameJSON, _ := json.Marshal(publicName)
	fields["name"] = nameJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return descriptor
	}
	return out
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *struct {
		ProgressToken json.RawMessage `json:"progressToken"`
	} `json:"_meta,omitempty"`
}

func (r *Router) handleCall(ctx context.Context, sessionID string, id json.RawMessage, params json.RawMessage, kind registry.Kind) []byte {
	var cp callParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return mcp.NewErrorResponse(id, huberr.CodeInvalidParams, "invalid params", nil)
	}

	var rec *registry.Record
	var ok bool
	var upstreamMethod string
	switch kind {
	case registry.KindTool:
		rec, ok = r.registry.ResolveTool(cp.Name)
		upstreamMethod = "tools/call"
	case registry.KindPrompt:
		rec, ok = r.registry.ResolvePrompt(cp.Name)
		upstreamMethod = "prompts/get"
	}
	if !ok {
		return mcp.NewErrorResponse(id, huberr.CodeInvalidParams, "not found: "+cp.Name, nil)
	}

	if err := r.ensureActive(ctx, rec.ServerID); err != nil {
		return mcp.NewErrorResponse(id, huberr.Code(err), huberr.SafeMessage(err), huberr.Data(err))
	}

	client, ok := r.clientsOf(rec.ServerID)
	if !ok {
		return mcp.NewErrorResponse(id, huberr.CodeInternalError, "upstream client unavailable", nil)
	}

	callCtx, resetDeadline, cancel := callContext(ctx, r.timeoutsFor(rec.ServerID))
	defer cancel()

	var progressToken string
	if cp.Meta != nil && len(cp.Meta.ProgressToken) > 0 {
		progressToken = trimQuotes(string(cp.Meta.ProgressToken))
		if r.fanout != nil {
			r.fanout.RegisterProgressReset(progressToken, resetDeadline)
			defer r.fanout.UnregisterProgressReset(progressToken)
			if sessionID != "" {
				r.fanout.RegisterToken(progressToken, sessionID)
				defer r.fanout.UnregisterToken(progressToken)
			}
		}
	}

	upstreamParams := map[string]interface{}{"name": rec.OriginalName}
	if cp.Arguments != nil {
		upstreamParams["arguments"] = cp.Arguments
	}
	if cp.Meta != nil {
		upstreamParams["_meta"] = map[string]interface{}{"progressToken": json.RawMessage(cp.Meta.ProgressToken)}
	}
	upParams, _ := json.Marshal(upstreamParams)

	r.lifecycle.TrackActivityStart(rec.ServerID)
	result, err := client.Call(callCtx, upstreamMethod, upParams)
	r.lifecycle.TrackActivityEnd(rec.ServerID)

	if err != nil {
		return mcp.NewErrorResponse(id, huberr.Code(err), huberr.SafeMessage(err), huberr.Data(err))
	}
	return mcp.NewResultResponse(id, result)
}

func (r *Router) handleResourceRead(ctx context.Context, sessionID string, id json.RawMessage, params json.RawMessage) []byte {
	var rp struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &rp); err != nil {
		return mcp.NewErrorResponse(id, huberr.CodeInvalidParams, "invalid params", nil)
	}
	rec, ok := r.registry.ResolveResource(rp.URI)
	if !ok {
		return mcp.NewErrorResponse(id, huberr.CodeInvalidParams, "not found: "+rp.URI, nil)
	}
	if err := r.ensureActive(ctx, rec.ServerID); err != nil {
		return mcp.NewErrorResponse(id, huberr.Code(err), huberr.SafeMessage(err), huberr.Data(err))
	}
	client, ok := r.clientsOf(rec.ServerID)
	if !ok {
		return mcp.NewErrorResponse(id, huberr.CodeInternalError, "upstream client unavailable", nil)
	}

	upParams, _ := json.Marshal(map[string]string{"uri": rec.OriginalName})
	callCtx, cancel := context.WithTimeout(ctx, r.timeoutsFor(rec.ServerID).Call)
	defer cancel()

	r.lifecycle.TrackActivityStart(rec.ServerID)
	result, err := client.Call(callCtx, "resources/read", upParams)
	r.lifecycle.TrackActivityEnd(rec.ServerID)
	if err != nil {
		return mcp.NewErrorResponse(id, huberr.Code(err), huberr.SafeMessage(err), huberr.Data(err))
	}
	return mcp.NewResultResponse(id, result)
}

func (r *Router) ensureActive(ctx context.Context, serverID string) error {
	st, ok := r.lifecycle.State(serverID)
	if ok && st.AcceptsRequests() {
		return nil
	}
	return r.lifecycle.Activate(ctx, serverID, lifecycle.SourceRoutedRequest)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
