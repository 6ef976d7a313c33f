// Package mcp serves forge's workflow, validation and gate tools over the
// Model Context Protocol (github.com/modelcontextprotocol/go-sdk/mcp).
//
// Tools can start a workflow and record context and artifacts, but none of
// them advances, fails or retries a phase.
package mcp
