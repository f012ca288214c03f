// Package client provides the Cognigate Go SDK: signal submission, trust
// and band queries, pre-action gate checks, containment control, and proof
// ledger queries, plus the lightweight helpers an agent embeds in its own
// action loop (Permitted, ReportTaskSuccess, ReportTaskFailure).
package client
