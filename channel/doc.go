/*
Package channel implements the framed transport used on control sockets and session descriptors.

Two kinds of messages are exchanged:

1. Scalars: a 32-bit big-endian length followed by that many bytes. Framing avoids message-boundary ambiguity on stream sockets.
2. File descriptors: a one-byte message carrying the descriptor as SCM_RIGHTS ancillary data. Descriptors are per-process kernel handles, so they go through the kernel's descriptor-passing facility rather than the payload.

Raw, unframed bytes may also be written once both sides agree on what follows (e.g. a request body after its header scalar).

All operations block. Interrupted system calls are retried; every other failure is returned as a *SystemError carrying the errno, or one of the sentinel errors in this package.
*/
package channel
