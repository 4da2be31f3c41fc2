// Package ring provides a fixed-capacity single-producer/single-consumer
// circular queue.
//
// Both indices run freely modulo 2^32 and are only masked when addressing
// the backing slice. The producer is the only writer of the write index and
// of the slot it addresses; the consumer is the only writer of the read
// index. Each index is published with a release store and observed with an
// acquire load, so a consumer that sees an advanced write index also sees
// the element written before it.
package ring
