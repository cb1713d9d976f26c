// Package schema defines the mutation records queued while the client is offline.
//
// # Overview
//
// Every write the UI cannot (or chooses not to) send straight to the remote
// document store becomes a Mutation: one intended change to one document,
// addressed by collection and document id. Mutations are appended to the local
// queue and drained in order by the sync engine.
//
// A mutation as stored in the queue:
//
//	{
//	  "id": 42,
//	  "collection": "variants",
//	  "action": "CREATE",
//	  "documentId": "temp_6f1c0d1e-...",
//	  "data": {"productId": "temp_0b9a...", "sku": "GWN-01"},
//	  "enqueuedAt": "2026-10-19T08:12:44.120931Z"
//	}
//
// # Actions
//
//   - CREATE, UPDATE - merge Data into the target document
//   - DELETE - remove the target document
//   - SOFT_DELETE - set the tombstone flag without removing the document
//
// # Temporary IDs
//
// Documents created offline get a locally generated id with the "temp_"
// prefix (NewTemporaryID). The first successful CREATE for such an id binds it
// to a remote id, and every still-queued record that mentions the temporary id
// is rewritten with RewriteReferences before it is drained.
package schema
