// Package policy implements the pre-execution validation guard.
//
// The guard inspects a proposed engine operation and its declared parameters
// and decides whether the operation may run. Evaluation is purely
// deterministic -- it never contacts the engine, performs no I/O, and depends
// only on the request itself and the active Ruleset. This keeps the guard
// trivially testable and safe to call from the validation hook, where no
// engine connection exists.
package policy

import (
	"fmt"
	"strings"
)

// Operation kinds understood by the guard. Any other kind is allowed with a
// generic confirmation reason.
const (
	OpListContainers  = "list_containers"
	OpRunContainer    = "run_container"
	OpStopContainer   = "stop_container"
	OpStartContainer  = "start_container"
	OpRemoveContainer = "remove_container"
	OpContainerLogs   = "container_logs"
	OpBuildImage      = "build_image"
	OpRemoveImage     = "remove_image"
	OpCreateNetwork   = "create_network"
	OpSystemInfo      = "system_info"
	OpHealthCheck     = "health_check"
)

// Verdict is the outcome of evaluating one operation request. It is produced
// fresh for every request and never cached; parameters vary per call.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Engine evaluates operation requests against a Ruleset.
type Engine struct {
	rules Ruleset
}

// New returns an Engine using the given ruleset. Pass DefaultRuleset() for
// the built-in tables.
func New(rules Ruleset) *Engine {
	return &Engine{rules: rules}
}

// Validate decides whether the operation may run. The parameter map carries
// the request's declared parameters (e.g. "name", "image", "force",
// "privileged"); values the guard cares about are strings and booleans.
//
// The guard evaluates declared parameters only. It deliberately does not
// resolve live engine state (e.g. whether a container is actually running),
// so a verdict depends on nothing but the request and the ruleset.
func (e *Engine) Validate(operation string, params map[string]any) Verdict {
	switch operation {
	case OpRemoveContainer:
		return e.validateRemoveContainer(params)
	case OpRemoveImage:
		return e.validateRemoveImage(params)
	case OpRunContainer:
		return e.validateRunContainer(params)
	case OpCreateNetwork:
		return e.validateCreateNetwork(params)
	default:
		return Verdict{Allowed: true, Reason: fmt.Sprintf("operation %q permitted", operation)}
	}
}

// validateRemoveContainer denies removal of anything whose name matches a
// critical-infrastructure keyword, regardless of the force flag.
func (e *Engine) validateRemoveContainer(params map[string]any) Verdict {
	name := stringParam(params, "name")
	lower := strings.ToLower(name)
	for _, kw := range e.rules.CriticalKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("container name %q matches critical infrastructure keyword %q", name, kw),
			}
		}
	}
	if boolParam(params, "force") {
		return Verdict{Allowed: true, Reason: fmt.Sprintf("force removal of %q approved", name)}
	}
	return Verdict{Allowed: true, Reason: fmt.Sprintf("removal of %q approved (stopped containers only)", name)}
}

// validateRemoveImage denies removal of a protected base image when the
// reference carries no tag or digest qualifier. The same name with an
// explicit qualifier is allowed.
func (e *Engine) validateRemoveImage(params map[string]any) Verdict {
	image := stringParam(params, "image")
	if !strings.ContainsAny(image, ":@") {
		for _, base := range e.rules.ProtectedImages {
			if strings.EqualFold(image, base) {
				return Verdict{
					Allowed: false,
					Reason:  fmt.Sprintf("image %q is an untagged base image shared by other containers", image),
				}
			}
		}
	}
	return Verdict{Allowed: true, Reason: fmt.Sprintf("removal of image %q approved", image)}
}

// validateRunContainer denies privileged containers outright and annotates
// mutable or untrusted image references with an advisory warning.
func (e *Engine) validateRunContainer(params map[string]any) Verdict {
	if boolParam(params, "privileged") {
		return Verdict{Allowed: false, Reason: "privileged containers are not permitted"}
	}

	image := stringParam(params, "image")
	if marker := e.mutabilityMarker(image); marker != "" {
		return Verdict{
			Allowed: true,
			Reason:  fmt.Sprintf("warning: image %q carries mutable reference %q; pin a digest or version tag", image, marker),
		}
	}
	return Verdict{Allowed: true, Reason: fmt.Sprintf("run of image %q approved", image)}
}

// validateCreateNetwork denies names that collide with the engine's reserved
// or system networks.
func (e *Engine) validateCreateNetwork(params map[string]any) Verdict {
	name := stringParam(params, "name")
	for _, reserved := range e.rules.ReservedNetworks {
		if strings.EqualFold(name, reserved) {
			return Verdict{
				Allowed: false,
				Reason:  fmt.Sprintf("network name %q is reserved by the engine", name),
			}
		}
	}
	return Verdict{Allowed: true, Reason: fmt.Sprintf("network %q approved", name)}
}

// mutabilityMarker returns the marker that makes the image reference mutable
// or untrustworthy, or "" when the reference looks pinned. A reference with
// no tag at all floats on an implicit "latest".
func (e *Engine) mutabilityMarker(image string) string {
	lower := strings.ToLower(image)
	for _, marker := range e.rules.UntrustedMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return marker
		}
	}
	if strings.Contains(lower, "@") {
		return "" // digest-pinned
	}
	colon := strings.LastIndex(lower, ":")
	if colon < 0 || strings.Contains(lower[colon+1:], "/") {
		// No tag (a colon inside a registry host:port is not one).
		return "latest"
	}
	tag := lower[colon+1:]
	for _, floating := range e.rules.FloatingTags {
		if tag == strings.ToLower(floating) {
			return tag
		}
	}
	return ""
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
