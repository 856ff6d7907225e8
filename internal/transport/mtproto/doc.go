// Package mtproto sends broadcasts from a Telegram user account.
//
// Each Connect starts a gotd/td client that restores (or creates) a file
// session, authenticates if needed and keeps the connection open until
// Close. Destination ids use Bot API conventions (-100… for channels and
// supergroups); they are mapped to MTProto input peers through the
// account's dialog list.
package mtproto
