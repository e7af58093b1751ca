// Package service implements the backend-independent part of every
// DocumentService: identity-stable refs, the handle that owns each
// document's substrate, the transaction coordinator, change dispatch and
// activity derivation.
//
// Backend variants embed *Base and implement the Backend hooks. The base
// calls OnMetadataSubscriptionOpened/Closed and OnDataSubscriptionOpened/Closed
// on the 0→1 and 1→0 transitions of a document's subscription counts and
// lets backends drive the document status through the Handle.
package service
