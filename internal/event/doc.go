// Package event defines the records and messages that flow through the pipeline, the payload
// variants they carry and the status transition table every writer consults.
package event
