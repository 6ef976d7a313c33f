// Package project locates the project a forge invocation works in.
//
// The project root anchors relative configuration paths: the state
// directory, the history archive and .forge/config.yaml. It is the
// enclosing git worktree when there is one, otherwise the nearest directory
// holding a .claude-plugin manifest directory, otherwise the start
// directory itself.
package project
