// Package model defines the provider-agnostic abstractions used by stars to
// talk to language and embedding models inside starmesh.
//
// Core goals:
//   - Normalize chat transcripts (Message) and tool calls (ToolDefinition, ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Offer token streaming as an optional capability (StreamingProvider)
//   - Facilitate lightweight mocking for tests (MockProvider, MockEmbedder)
//
// Vendors (OpenAI, Anthropic) implement Provider in sub packages so higher
// layers (stars, runner) remain decoupled from vendor SDKs.
package model
