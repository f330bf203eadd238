package engine

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
)

// shortIDLen is the canonical display length for engine identifiers.
const shortIDLen = 12

// truncateID reduces an opaque engine identifier to its short canonical
// prefix, stripping any digest algorithm prefix first.
func truncateID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// formatPorts renders engine port bindings as "hostPort:containerPort/proto"
// entries joined with ", ", or "none" when the container exposes nothing.
// The engine reports dual-stack bindings twice (0.0.0.0 and ::); duplicates
// are collapsed.
func formatPorts(ports []types.Port) string {
	if len(ports) == 0 {
		return "none"
	}
	seen := make(map[string]struct{}, len(ports))
	entries := make([]string, 0, len(ports))
	for _, p := range ports {
		var entry string
		if p.PublicPort != 0 {
			entry = fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type)
		} else {
			entry = fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		entries = append(entries, entry)
	}
	return strings.Join(entries, ", ")
}

// displayName strips the leading slash the engine prepends to container names.
func displayName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// imageDisplay prefers the repo tag; untagged images fall back to the short
// image ID, matching how containers reference them.
func imageDisplay(image string) string {
	if strings.HasPrefix(image, "sha256:") {
		return truncateID(image)
	}
	return image
}
