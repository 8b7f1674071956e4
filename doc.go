// Package turnstream orchestrates one assistant turn of an AI coding
// agent: it consumes an ordered chunk stream from a model provider,
// normalizes it into semantic deltas, dispatches tool calls to an
// external executor, and records every outcome in the execution ledger,
// loop metrics, recovery checkpoints, and session counters.
//
// # Architecture
//
// The package ties together the leaf packages:
//
//   - Pipeline: The per-session orchestrator. Run processes one turn's
//     chunks synchronously, in order, emitting deltas on a channel while
//     tool execution proceeds in the background.
//   - ChunkSource: Ordered transport yielding chunks for one turn
//     (provider adapters live under chunkstream/).
//   - ToolExecutor: External collaborator that runs a tool call and
//     returns its raw result.
//   - MessageGate: Duplicate-submission gate combining a debounce window
//     with idempotency keys, consulted before any turn starts.
//
// Cancellation is a state flip, not a hard abort: once a turn leaves the
// active state, in-flight executor callbacks become no-ops.
//
// # Quick Start
//
//	store := inmem.New()
//	pipeline, err := turnstream.NewPipeline(turnstream.PipelineConfig{
//	    Config:   turnstream.DefaultConfig(),
//	    Store:    store,
//	    Executor: executor,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	deltas, err := pipeline.Run(ctx, "task-1", source)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for delta := range deltas {
//	    render(delta)
//	}
package turnstream
