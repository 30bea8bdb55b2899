// Package mcp exposes the orchestrator as MCP tools over stdio.
//
// Tools:
//
//	handle_task      run one user turn through routing, execution and memory
//	get_decision     fetch a routing decision
//	submit_feedback  resolve a decision with a user rating or approval
//	purge_memory     forget a conversation or every conversation of a user
//	routing_stats    ledger reports and provider health
package mcp
