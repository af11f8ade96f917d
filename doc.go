// Package zedstore implements a compressed, column-oriented table storage
// engine embedded inside a relational database's storage layer. Each
// column (attribute) of a table is stored as its own concurrent,
// crash-safe B+tree keyed by a logical tuple id (ZSTid) rather than a
// user-visible key, so that a row's attributes can be fetched, scanned,
// and compressed independently while still reassembling by TID.
//
// The tree itself follows Lehman & Yao's right-link design: every page
// carries a right-sibling pointer and a FOLLOW_RIGHT marker for an
// in-progress split, so readers never need to lock more than one page at
// a time. Writers keep every leaf page a rewrite produced locked while
// they install its downlinks, locking parent pages on top of those.
//
// Within a leaf, tuples are stored as one of three item shapes: a single
// tuple, a run of tuples sharing consecutive TIDs, or a compressed
// container holding a whole run of either, so that a column of
// repetitive or monotonically increasing values takes a fraction of the
// space a row store would need.
//
// zedstore depends on five externally supplied collaborators (see
// external.go): a buffer manager for pinning and locking pages, a
// metapage registry mapping attributes to their tree roots, an undo log
// and a write-ahead log for crash recovery, and a visibility oracle for
// MVCC. Package refimpl supplies mmap- and bbolt-backed implementations of these
// for testing and as a reference for a host integration.
package zedstore
