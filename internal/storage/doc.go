// Package storage keeps an append-only journal of request outcomes.
//
// The journal is for operators: it answers "what happened to request X" after
// the fact. Nothing in it is replayed on startup.
package storage
