// Package udp keeps the table of UDP associations a forward or client mode
// service multiplexes over its shared UDP socket.
//
// Each client endpoint (source IP and port) maps to at most one live
// association. Associations own their tunnel stream and idle timer; the
// table only holds them. A destroyed association counts as absent: it is
// pruned lazily when its endpoint sends again, when capacity is checked,
// and by a periodic sweep.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
