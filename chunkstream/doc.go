// Package chunkstream normalizes the raw incremental output of a
// language-model provider into semantic deltas consumed by the turn
// pipeline.
//
// A provider transport yields StreamChunk values in order, one logical
// stream per assistant turn. The Normalizer maps each chunk to zero, one,
// or two Delta values, consulting a per-turn ToolCallRegistry so that tool
// results can be validated against the tool that produced them. Chunks are
// decoded at the transport boundary with DecodeChunk, which fails closed on
// unrecognized shapes; the normalizer itself never sees an ill-typed chunk.
//
// # Architecture
//
//   - StreamChunk: tagged union produced by a provider transport.
//   - Delta: tagged union of semantic events (content, tool lifecycle,
//     reasoning, usage, completion, error).
//   - ToolCallRegistry: per-turn map from tool call ID to tool name.
//   - Normalizer: the chunk-to-delta mapping, parameterized by the set of
//     recognized tools and a ToolResultValidator.
//
// # Quick Start
//
//	norm := chunkstream.NewNormalizer(chunkstream.BuiltinTools(), nil)
//	reg := chunkstream.NewToolCallRegistry()
//
//	for chunk := range source {
//	    for _, delta := range norm.Normalize(reg, chunk) {
//	        render(delta)
//	    }
//	}
package chunkstream
