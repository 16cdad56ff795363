// Package can implements the CAN Facade: binding to named CAN interfaces,
// the bounded transmit queue producers enqueue onto, and the inbound
// receive loop that classifies and decodes frames via internal/codec.
package can
