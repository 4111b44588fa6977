// Package collab holds the adapters for the external systems a session
// talks to: the greeting prompt source, the turn processor (transcription
// plus response generation) and the long-term memory sink.
package collab
