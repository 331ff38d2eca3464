// Package conversation models the message graph of a document-chat
// conversation and resolves it into a linear transcript.
//
// Messages form a tree through reply links; editing a user turn creates a
// sibling version inside the same edit group instead of mutating history, so
// the graph grows into a forest of alternate branches. Resolve walks that
// structure deterministically and produces the one branch to display,
// together with the active parent the next user turn should attach to.
package conversation
