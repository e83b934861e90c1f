package stream

// readLimit is the largest WebSocket message either side accepts.
const readLimit = 1 << 20

// chunkSize bounds the payload bytes per message, leaving room for the JSON encoding overhead.
const chunkSize = readLimit / 3

// requestMessage is a request message.
// Only the first message contains Headers; subsequent messages carry request body bytes.
type requestMessage struct {
	Headers map[string]string `json:",omitempty"`

	Body     []byte `json:",omitempty"`
	BodyDone bool   `json:",omitempty"`
}

// responseMessage is a response message.
// Only the last message of the stream has Done set.
type responseMessage struct {
	Response []byte `json:",omitempty"`

	Done bool   `json:",omitempty"`
	Err  string `json:",omitempty"`
}
