// Package sessions persists conversations as append-only entry logs.
//
// A session is a tree of entries: every entry points at its parent, and a
// movable leaf pointer selects the active path. Appending adds a child of
// the leaf; moving the leaf back to an older entry forks the tree while
// keeping abandoned branches readable. Session replays the active branch
// into model-ready messages, honoring compaction summaries and entries
// excluded from the model's view.
//
// Persistence is pluggable through Backend: JSONL files (the default),
// SQLite for single-file storage, PostgreSQL for shared deployments, and
// an in-memory store for tests and ephemeral runs. Writes go through a
// per-session writer goroutine; Flush is the durability barrier.
package sessions
