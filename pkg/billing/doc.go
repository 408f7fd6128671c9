// Package billing implements the token-economy and subscription-billing
// engine: per-user token balances backed by an append-only transaction
// ledger, paid-feature access gating, and reconciliation of asynchronous
// payment-processor webhook events.
//
// The Service is the only writer of billing state. All balance-mutating
// operations execute atomically per user through the Store interface, so
// concurrent deductions and webhook credits can never produce a lost
// update or a double-spend. The ledger is authoritative: the cached
// balance on UserBilling is always rebuildable as the sum of the user's
// transaction amounts.
package billing
