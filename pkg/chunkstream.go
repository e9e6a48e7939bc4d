// Package chunkstream provides chunked event stream storage for Go
// applications.
//
// This package serves as the main entry point for the chunkstream
// library. For the core functionality, see the es package and its
// subpackages:
//
//	es            - Core types: events, stream documents, chunk planning
//	es/store      - Storage backend contracts
//	es/session    - Append sessions and the commit protocol
//	es/reader     - Reading, folding and upcasting
//	es/repair     - Broken-stream inspection and repair
//	es/projection - Catch-up projection processing
//	es/adapters/postgres - PostgreSQL implementation
//	es/adapters/mysql    - MySQL implementation
//	es/adapters/sqlite   - SQLite implementation
//	es/adapters/memory   - In-memory implementation for tests
//	es/migrations - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/chunkstream/chunkstream/cmd/migrate-gen -output migrations
//
//  2. Open a session and commit events:
//     store := postgres.NewStore(db, postgres.DefaultStoreConfig())
//     doc, _ := store.Create(ctx, "order", "42", es.ChunkSettings{})
//     sess, _ := session.Open(doc, store, store)
//     sess.Append("OrderPlaced", payload)
//     result, err := sess.Commit(ctx)
//
//  3. Read a stream back:
//     r := reader.New(store)
//     events, err := r.Read(ctx, doc, 0, es.EndOfStream)
//
// See the examples directory for complete working examples.
package chunkstream

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
