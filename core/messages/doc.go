// Package messages defines the JSON wire protocol exchanged between the
// orchestrator and its clients over a bidirectional text channel.
//
// Outbound messages carry turn lifecycle signals, text updates and ordered
// audio chunks; inbound messages carry triggers, playback confirmations and
// interrupts. All messages are discriminated by their "type" field.
package messages
