/*
Package stream provides a client and server that drive one application session over a WebSocket
connection. The request body is streamed client->server, and the raw HTTP response produced by the
application is streamed server->client. WebSockets are used for bidi messaging so only an HTTP
server is required.

Sessions are scoped to the WebSocket connection: if the connection dies for any reason, the session
is closed and the application sees the end of its request body.

There are two messages in this protocol: "request" messages are sent client->server, and "response"
messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a request message containing the Headers field.
3. The client sends request messages containing Body bytes, followed by one with BodyDone=true.
4. Concurrently, the server sends response messages containing Response bytes as the application writes them.
5. When the application closes its side of the session, the server sends a response message with Done=true, and Err set if the session failed.
6. The client initiates closing of the WebSocket connection.

Only one session per application instance is open at a time, so a connection may wait for
earlier sessions to finish before the application sees its headers.
*/
package stream
