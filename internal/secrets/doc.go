// Package secrets finds credentials in artifact content with the Gitleaks
// rule set.
//
// The validator reports each finding as an advisory diagnostic that names
// the rule and line but never the secret. The MCP server redacts tool
// output with the same scanner. An optional TOML allowlist exempts known
// placeholders from both.
package secrets
