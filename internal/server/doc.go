// Package server is the transport side of the presence relay.
//
// A Hub owns the WebSocket clients and the conversation rooms and acts as the
// relay's Transport. Each Client runs a read pump that decodes
// {"event", "data"} envelopes and dispatches them to the relay in arrival
// order, and a write pump that drains the client's buffered send channel.
// Configuration is process-wide (SetConfig) and can be loaded from the
// environment or a YAML file that is watched for changes.
package server
