/*
Package app represents running application processes and the sessions opened against them.

An Instance owns a control socket connected to one application process. Each request is
forwarded through its own Session, established with a handshake on the control socket:

1. The Instance writes one arbitrary byte (the probe) to ask for a new session.
2. The process answers with two file descriptors, passed with SCM_RIGHTS: first the one the caller reads the response from, then the one the caller writes the request to.

The request is an encoded header block (see EncodeHeaders) sent as a single scalar message,
followed by the raw request body. The response is read raw from the reader descriptor until EOF.

The process serves one session at a time and will not answer another probe until the previous
session is done, so callers must close a session before connecting again. Connect itself is
safe for concurrent use, but only one handshake runs at a time.

Every session holds a reference to state shared with its Instance, so Instance.Sessions stays
accurate even when sessions outlive the Instance.
*/
package app
