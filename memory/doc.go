// Package memory contains core.MemoryBackend implementations. Workers
// configured with use_memory search the run's backend before their tool
// loop and store their final answer afterwards.
//
// InMemoryStore ranks memories by cosine similarity when it is given a
// model.Embedder and falls back to keyword overlap otherwise.
package memory
