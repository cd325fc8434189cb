/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ludari

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/creativogee/ludari-sdk/lens"
)

// JobFunc is an execution closure bound to a single firing. It receives the
// resolved execution context and a Lens for capturing frames; whatever it
// returns becomes the run result (see JobRun.Result).
type JobFunc func(ctx context.Context, jobCtx map[string]any, l *lens.Lens) (any, error)

// Handler dispatches method jobs by name. The method name is the job name.
// Implementations must restrict dispatch to an explicit allow-list and
// refuse reserved identifiers; MethodHandler does both.
type Handler interface {
	ExecuteMethod(ctx context.Context, method string, jobCtx map[string]any, l *lens.Lens) (any, error)
}

// MethodChecker is optionally implemented by handlers that can report
// whether a method is dispatchable without executing it.
type MethodChecker interface {
	HasMethod(method string) bool
}

// MethodLister is optionally implemented by handlers that can enumerate
// their dispatchable methods.
type MethodLister interface {
	AvailableMethods() []string
}

// reservedMethodNames can never be registered or dispatched, on top of the
// blanket refusal of names starting with an underscore.
var reservedMethodNames = map[string]struct{}{
	"constructor":         {},
	"executemethod":       {},
	"hasmethod":           {},
	"getavailablemethods": {},
	"init":                {},
	"main":                {},
}

func isReservedMethodName(name string) bool {
	if strings.HasPrefix(name, "_") {
		return true
	}
	_, reserved := reservedMethodNames[strings.ToLower(name)]
	return reserved
}

// MethodHandler is an allow-list Handler backed by a plain registry. Only
// explicitly registered names dispatch; everything else, including reserved
// identifiers, is refused.
type MethodHandler struct {
	mu      sync.RWMutex
	methods map[string]JobFunc
}

// NewMethodHandler returns an empty registry.
func NewMethodHandler() *MethodHandler {
	return &MethodHandler{methods: make(map[string]JobFunc)}
}

// Register adds a dispatchable method. Reserved identifiers and nil
// functions are rejected.
func (h *MethodHandler) Register(name string, fn JobFunc) error {
	if name == "" {
		return newValidation("method", "name is required")
	}
	if isReservedMethodName(name) {
		return newValidation("method", fmt.Sprintf("%q is a reserved identifier", name))
	}
	if fn == nil {
		return newValidation("method", "function is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = fn
	return nil
}

// Deregister removes a method. Unknown names are ignored.
func (h *MethodHandler) Deregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.methods, name)
}

// ExecuteMethod dispatches a registered method by name.
func (h *MethodHandler) ExecuteMethod(ctx context.Context, method string, jobCtx map[string]any, l *lens.Lens) (any, error) {
	if isReservedMethodName(method) {
		return nil, fmt.Errorf("method %q is a reserved identifier", method)
	}

	h.mu.RLock()
	fn := h.methods[method]
	h.mu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("method %q is not registered", method)
	}
	return fn(ctx, jobCtx, l)
}

// HasMethod reports whether a method would dispatch.
func (h *MethodHandler) HasMethod(method string) bool {
	if isReservedMethodName(method) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.methods[method]
	return ok
}

// AvailableMethods returns the registered method names, sorted.
func (h *MethodHandler) AvailableMethods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.methods))
	for name := range h.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
