// Package codec is the bit-level RV-C/J1939 protocol codec: the
// authoritative home of PGN tables, scaling factors, field layouts, and
// J1939 CAN-id synthesis. It translates raw CAN frames into DecodedFrame
// values and back, and tentatively classifies the protocol each
// arbitration id carries until enough observations latch a verdict.
package codec
