// Package capability holds the static per-tool resume capability table.
package capability

import "agentdeck/internal/model"

// codex runs its interactive mode on a controlling terminal that a resumed
// process cannot reattach, so it never supports native resume.
var nativeResume = map[model.Tool]bool{
	model.ToolClaude: true,
	model.ToolGemini: true,
	model.ToolQwen:   true,
	model.ToolCodex:  false,
}

// SupportsNativeResume is total over all tool names. Unknown tools resolve to
// false so they fail safe into fallback mode.
func SupportsNativeResume(tool model.Tool) bool {
	return nativeResume[tool]
}

// Known reports whether the tool is in the table at all.
func Known(tool model.Tool) bool {
	_, ok := nativeResume[tool]
	return ok
}
