// Package memory provides long-term memory for the agent.
//
// Memories are records of serialized text with an embedding and string
// metadata, partitioned by namespace (scope, user id, kind). Kinds are
// episodic, semantic, procedural and general; a general query covers every
// kind of the same user.
//
// Architecture:
//   - RecordStore: durable source of truth (sqlite, postgres)
//   - Index: similarity search over a namespace (chromem, pgvector, scan)
//   - Embedder: text-to-vector conversion (mock, onnx, openai)
//   - Manager: save, search and manage on top of the three
//
// The index is derived state. Manager.Reindex rebuilds it from the store,
// and when an index times out the manager falls back to an exact scan of the
// store for small partitions.
package memory
