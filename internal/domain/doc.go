// Package domain contains the entities of the generation pipeline: tasks,
// their user-facing works, ledger entries and the pricing rule. It has no
// knowledge of storage or transport.
package domain
