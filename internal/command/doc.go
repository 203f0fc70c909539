// Package command implements the command protocol handler of the beacon node.
//
// The handler decodes each inbound message on the node's command topics, writes the
// requested mode into the shared mode state and acknowledges on the private topic.
// The acknowledgement payload is the Ack sentinel itself, so the node's own echoed
// acknowledgement is recognised and dropped without a reply.
package command
