// Package channel serves the progress channel: a WebSocket endpoint that runs
// an audit session per connection, streams its progress as JSON text frames,
// and answers result lookups at any time.
//
// Server to client frames have the shape
//
//	{"event": "RUN_TEST", "status": "SUCCESS", "data": {"id": "..."}}
//
// and the client may send
//
//	{"event": "GET_TEST_RESULTS", "data": {"id": "..."}}
//
// Frames that cannot be decoded are dropped and the connection stays open.
package channel
